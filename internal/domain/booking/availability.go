package booking

// DefaultHorizonDays is how far ahead patients may book.
const DefaultHorizonDays = 30

// ComputeWorkingDates lists the days in [today, today+horizonDays) on which
// the doctor works according to rules, in ascending order. A day is a working
// day when its weekday appears in any rule.
func ComputeWorkingDates(rules []*ScheduleRule, horizonDays int, today Date) []Date {
	var working [7]bool
	found := false
	for _, r := range rules {
		if r == nil {
			continue
		}
		for _, wd := range r.Weekdays {
			if wd < 0 || wd > 6 {
				continue
			}
			working[wd] = true
			found = true
		}
	}
	if !found || horizonDays <= 0 {
		return []Date{}
	}

	dates := make([]Date, 0, horizonDays)
	for i := 0; i < horizonDays; i++ {
		candidate := today.AddDays(i)
		if working[candidate.Weekday()] {
			dates = append(dates, candidate)
		}
	}
	return dates
}

// IsWorkingDate reports whether date falls inside the booking window that
// starts at today and is a working day for rules.
func IsWorkingDate(rules []*ScheduleRule, horizonDays int, today, date Date) bool {
	offset := today.DaysUntil(date)
	if offset < 0 || offset >= horizonDays {
		return false
	}
	return len(SlotsForDate(rules, date)) > 0
}
