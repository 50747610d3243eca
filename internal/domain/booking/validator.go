package booking

import "strings"

// BookingInput is the raw form a patient (or administrator) submits.
type BookingInput struct {
	Specialty string `json:"specialty"`
	DoctorID  string `json:"doctor_id"`
	Date      string `json:"date"`
	Time      string `json:"time"`
}

// ValidateOptions tunes which inputs are mandatory.
type ValidateOptions struct {
	// RequireSpecialty is set when the booking form exposes the specialty
	// picker.
	RequireSpecialty bool
}

// ValidateBooking checks required fields in form order and then checks that
// the requested time is not in taken. It is a best-effort pre-check; the
// repository write is what actually rejects a double booking.
func ValidateBooking(in BookingInput, taken TimeSet, opts ValidateOptions) error {
	if err := checkBookingFields(in, opts); err != nil {
		return err
	}
	if taken.Has(strings.TrimSpace(in.Time)) {
		return ErrSlotTaken
	}
	return nil
}

func checkBookingFields(in BookingInput, opts ValidateOptions) error {
	if opts.RequireSpecialty && blank(in.Specialty) {
		return missing("specialty")
	}
	if blank(in.DoctorID) {
		return missing("doctor_id")
	}
	if blank(in.Date) {
		return missing("date")
	}
	if blank(in.Time) {
		return missing("time")
	}
	if _, err := ParseDate(strings.TrimSpace(in.Date)); err != nil {
		return invalid("date", err)
	}
	if _, _, err := ParseClock(strings.TrimSpace(in.Time)); err != nil {
		return invalid("time", err)
	}
	return nil
}

// validateRule checks the administrator input for a new schedule rule and
// returns the de-duplicated weekdays and slots in declaration order.
func validateRule(doctorID string, weekdays []int, slots []string) ([]int, []string, error) {
	if blank(doctorID) {
		return nil, nil, missing("doctor_id")
	}
	if len(weekdays) == 0 {
		return nil, nil, missing("weekdays")
	}
	var days []int
	var seenDay [7]bool
	for _, wd := range weekdays {
		if wd < 0 || wd > 6 {
			return nil, nil, &FieldError{Field: "weekdays", Err: ErrInvalidField, Detail: "weekdays must be between 0 (Sunday) and 6 (Saturday)"}
		}
		if !seenDay[wd] {
			seenDay[wd] = true
			days = append(days, wd)
		}
	}

	var times []string
	seen := make(TimeSet)
	for _, raw := range slots {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		if _, _, err := ParseClock(t); err != nil {
			return nil, nil, invalid("time_slots", err)
		}
		if seen.Has(t) {
			continue
		}
		seen[t] = struct{}{}
		times = append(times, t)
	}
	if len(times) == 0 {
		return nil, nil, missing("time_slots")
	}
	return days, times, nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
