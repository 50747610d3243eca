package booking

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    Date
		wantErr bool
	}{
		{"2025-06-11", NewDate(2025, time.June, 11), false},
		{"2024-02-29", NewDate(2024, time.February, 29), false},
		{"2025-02-29", Date{}, true},
		{"2025-13-01", Date{}, true},
		{"2025-6-11", Date{}, true},
		{"11/06/2025", Date{}, true},
		{"", Date{}, true},
		{"2025-06-11T09:00:00Z", Date{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %s, want %s", got, tt.in)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	valid := []string{"00:00", "09:30", "23:59"}
	for _, s := range valid {
		if _, _, err := ParseClock(s); err != nil {
			t.Errorf("ParseClock(%q): unexpected error %v", s, err)
		}
	}
	invalid := []string{"24:00", "9:30", "09:60", "0930", "", "ab:cd"}
	for _, s := range invalid {
		if _, _, err := ParseClock(s); err == nil {
			t.Errorf("ParseClock(%q): expected error", s)
		}
	}
}

func TestDate_Arithmetic(t *testing.T) {
	d := NewDate(2025, time.January, 30)
	if got := d.AddDays(3); got != NewDate(2025, time.February, 2) {
		t.Errorf("AddDays across month: got %v", got)
	}
	if got := NewDate(2024, time.December, 31).AddDays(1); got != NewDate(2025, time.January, 1) {
		t.Errorf("AddDays across year: got %v", got)
	}
	if n := d.DaysUntil(NewDate(2025, time.March, 1)); n != 30 {
		t.Errorf("DaysUntil: got %d, want 30", n)
	}
	if n := d.DaysUntil(NewDate(2025, time.January, 29)); n != -1 {
		t.Errorf("DaysUntil backwards: got %d, want -1", n)
	}
	if !d.Before(d.AddDays(1)) || d.Before(d) {
		t.Error("Before is not a strict order")
	}
}

func TestDate_DaysUntil_AcrossDST(t *testing.T) {
	// The DST switch in many zones happens in late March; calendar arithmetic
	// must not lose a day.
	start := NewDate(2025, time.March, 29)
	if n := start.DaysUntil(NewDate(2025, time.April, 1)); n != 3 {
		t.Errorf("got %d, want 3", n)
	}
}

func TestWeekdayLabel(t *testing.T) {
	monday := NewDate(2025, time.June, 9)
	want := []string{"lun", "mar", "mié", "jue", "vie", "sáb", "dom"}
	for i, label := range want {
		if got := WeekdayLabel(monday.AddDays(i)); got != label {
			t.Errorf("day %d: got %s, want %s", i, got, label)
		}
	}
}

func TestDate_At(t *testing.T) {
	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	at, err := NewDate(2025, time.June, 11).At("09:30", loc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2025, time.June, 11, 12, 30, 0, 0, time.UTC); !at.Equal(want) {
		t.Errorf("got %v, want %v", at.UTC(), want)
	}
	if _, err := NewDate(2025, time.June, 11).At("9h", loc); err == nil {
		t.Error("expected error for malformed clock")
	}
}

func TestToday_UsesLocation(t *testing.T) {
	// 02:00 UTC on June 11 is still June 10 in Buenos Aires (UTC-3).
	now := time.Date(2025, time.June, 11, 2, 0, 0, 0, time.UTC)
	loc := time.FixedZone("ART", -3*3600)
	if got := Today(now, loc); got != NewDate(2025, time.June, 10) {
		t.Errorf("got %v, want 2025-06-10", got)
	}
}

func TestDate_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		D Date `json:"d"`
	}{NewDate(2025, time.June, 11)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"d":"2025-06-11"}` {
		t.Errorf("got %s", b)
	}
	var out struct {
		D Date `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"d":"2025-02-30"}`), &out); err == nil {
		t.Error("expected error for impossible date")
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusConfirmed, StatusConfirmed, true},
		{StatusPending, StatusPending, true},
		{StatusConfirmed, StatusPending, false},
		{Status("cancelled"), StatusConfirmed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if !StatusPending.Blocks() || !StatusConfirmed.Blocks() {
		t.Error("stored appointments must block their slot")
	}
}

func TestFieldError(t *testing.T) {
	err := missing("doctor_id")
	if !errors.Is(err, ErrMissingField) {
		t.Error("expected ErrMissingField")
	}
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Field != "doctor_id" {
		t.Errorf("expected field doctor_id, got %v", err)
	}
	if err := invalid("date", errors.New("bad")); err.Error() != "date: invalid field value: bad" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
