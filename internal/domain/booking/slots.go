package booking

import "github.com/google/uuid"

// TimeSet is a set of HH:MM times.
type TimeSet map[string]struct{}

func NewTimeSet(times ...string) TimeSet {
	s := make(TimeSet, len(times))
	for _, t := range times {
		s[t] = struct{}{}
	}
	return s
}

func (s TimeSet) Has(t string) bool {
	_, ok := s[t]
	return ok
}

// SlotsForDate returns the union of the time slots of every rule that applies
// on date's weekday, in declaration order. A time listed by more than one rule
// appears once, at its first position.
func SlotsForDate(rules []*ScheduleRule, date Date) []string {
	wd := date.Weekday()
	seen := make(TimeSet)
	var slots []string
	for _, r := range rules {
		if r == nil || !r.HasWeekday(wd) {
			continue
		}
		for _, t := range r.TimeSlots {
			if seen.Has(t) {
				continue
			}
			seen[t] = struct{}{}
			slots = append(slots, t)
		}
	}
	return slots
}

// ResolveOpenSlots returns the slots the doctor offers on date minus the ones
// in taken. The declared slot order is kept; it is not sorted by time.
func ResolveOpenSlots(rules []*ScheduleRule, date Date, taken TimeSet) []string {
	open := []string{}
	for _, t := range SlotsForDate(rules, date) {
		if !taken.Has(t) {
			open = append(open, t)
		}
	}
	return open
}

// TakenTimes applies the conflict policy to existing appointments: every
// appointment in a blocking status takes its time. The appointment with id
// exclude (if any) is ignored so that an edited record does not conflict with
// itself.
func TakenTimes(appts []*Appointment, exclude uuid.UUID) TimeSet {
	taken := make(TimeSet, len(appts))
	for _, a := range appts {
		if a == nil || !a.Status.Blocks() {
			continue
		}
		if exclude != uuid.Nil && a.ID == exclude {
			continue
		}
		taken[a.Time] = struct{}{}
	}
	return taken
}
