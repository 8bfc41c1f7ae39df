// Package availability is the scheduling engine: it turns a provider's
// constraints and committed appointments into bookable slots, recurrence
// occurrences, schedule suggestions and range verdicts. Every function is a
// pure computation over caller-supplied values.
package availability

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Errors returned when caller-supplied constraints cannot be used.
var (
	ErrInvalidWorkingHours = errors.New("working hours start must be before end")
	ErrInvalidTimezone     = errors.New("unknown timezone")
)

// TimeOfDay is a wall-clock time expressed as minutes after midnight.
// 24:00 is accepted so that a working window can close at midnight.
type TimeOfDay int

// ParseTimeOfDay parses a HH:MM time string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time format %q: expected HH:MM", s)
	}

	hour, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}

	if hour < 0 || hour > 24 || (hour == 24 && minute != 0) {
		return 0, fmt.Errorf("hour out of range in %q", s)
	}
	if minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range in %q", s)
	}

	return TimeOfDay(hour*60 + minute), nil
}

// MustTimeOfDay is ParseTimeOfDay for literals known to be valid.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// On returns the instant this time of day falls on for the calendar day of
// day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, day.Location())
}

// ClockRange is a start/end pair of times of day.
type ClockRange struct {
	Start TimeOfDay `json:"start" yaml:"start"`
	End   TimeOfDay `json:"end" yaml:"end"`
}

// On projects the range onto the calendar day of day.
func (r ClockRange) On(day time.Time) Interval {
	return Interval{Start: r.Start.On(day), End: r.End.On(day)}
}

func (r ClockRange) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// Weekday is a time.Weekday that reads names ("monday", "mon") as well as
// the numbers 0 (Sunday) through 6.
type Weekday time.Weekday

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts a weekday name, a three-letter abbreviation or a
// number between 0 and 6.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if wd, ok := weekdayNames[s]; ok {
		return Weekday(wd), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 6 {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return Weekday(n), nil
}

func (w Weekday) String() string {
	return strings.ToLower(time.Weekday(w).String())
}

func (w Weekday) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Weekday) UnmarshalText(text []byte) error {
	parsed, err := ParseWeekday(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func (w *Weekday) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 || n > 6 {
			return fmt.Errorf("invalid weekday %d", n)
		}
		*w = Weekday(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("weekday must be a name or a number: %w", err)
	}
	return w.UnmarshalText([]byte(s))
}

// Weekdays builds a weekday list from time.Weekday values.
func Weekdays(days ...time.Weekday) []Weekday {
	out := make([]Weekday, len(days))
	for i, d := range days {
		out[i] = Weekday(d)
	}
	return out
}

// Rules describes when a provider can be booked. Breaks are expected to be
// non-overlapping and inside working hours; that is not enforced here.
type Rules struct {
	WorkingHours              ClockRange   `json:"workingHours" yaml:"workingHours"`
	WorkingDays               []Weekday    `json:"workingDays" yaml:"workingDays" validate:"dive,min=0,max=6"`
	Breaks                    []ClockRange `json:"breaks,omitempty" yaml:"breaks,omitempty"`
	MinimumBookingNoticeHours float64      `json:"minimumBookingNoticeHours" yaml:"minimumBookingNoticeHours" validate:"gte=0"`
	// MaximumBookingAdvanceDays of zero disables the advance limit.
	MaximumBookingAdvanceDays float64 `json:"maximumBookingAdvanceDays" yaml:"maximumBookingAdvanceDays" validate:"gte=0"`
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Validate checks the invariants the engine relies on.
func (r Rules) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	if r.WorkingHours.Start >= r.WorkingHours.End {
		return ErrInvalidWorkingHours
	}
	if _, err := r.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (r Rules) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrInvalidTimezone, r.Timezone)
	}
	return loc, nil
}

// IsWorkingDay reports whether d is one of the working days.
func (r Rules) IsWorkingDay(d time.Weekday) bool {
	for _, wd := range r.WorkingDays {
		if time.Weekday(wd) == d {
			return true
		}
	}
	return false
}

// WorkingWindow returns the working hours on the calendar day of day.
func (r Rules) WorkingWindow(day time.Time) Interval {
	return r.WorkingHours.On(day)
}

// BreakIntervals returns the breaks on the calendar day of day.
func (r Rules) BreakIntervals(day time.Time) []Interval {
	out := make([]Interval, 0, len(r.Breaks))
	for _, b := range r.Breaks {
		out = append(out, b.On(day))
	}
	return out
}

// NoticeHorizon is the earliest instant a booking may start.
func (r Rules) NoticeHorizon(now time.Time) time.Time {
	return now.Add(time.Duration(r.MinimumBookingNoticeHours * float64(time.Hour)))
}

// AdvanceHorizon is the latest instant a booking may start. ok is false when
// no advance limit is configured.
func (r Rules) AdvanceHorizon(now time.Time) (horizon time.Time, ok bool) {
	if r.MaximumBookingAdvanceDays <= 0 {
		return time.Time{}, false
	}
	return now.Add(time.Duration(r.MaximumBookingAdvanceDays * 24 * float64(time.Hour))), true
}

// WorkingMinutes is the bookable length of a working day: the working window
// minus the parts of it covered by breaks.
func (r Rules) WorkingMinutes(day time.Time) int {
	window := r.WorkingWindow(day)
	total := window.Duration()
	for _, b := range r.BreakIntervals(day) {
		total -= window.Intersection(b).Duration()
	}
	if total < 0 {
		return 0
	}
	return int(total / time.Minute)
}
