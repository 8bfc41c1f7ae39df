package availability

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

// MaxRangeDays bounds the number of calendar days a single request may span.
const MaxRangeDays = 731

var (
	ErrInvalidSlotDuration = errors.New("slot duration must be positive")
	ErrRangeTooLong        = fmt.Errorf("date range exceeds %d days", MaxRangeDays)
)

// Reason explains why a slot cannot be booked. The set is closed; only
// ReasonOccupied is accompanied by an appointment id.
type Reason string

const (
	ReasonBreak    Reason = "during break"
	ReasonTooSoon  Reason = "too soon"
	ReasonTooFar   Reason = "too far in advance"
	ReasonOccupied Reason = "occupied"
)

// TimeSlot is a fixed-length candidate interval with its verdict.
type TimeSlot struct {
	Start                  time.Time `json:"start"`
	End                    time.Time `json:"end"`
	Available              bool      `json:"available"`
	OccupyingAppointmentID string    `json:"occupyingAppointmentId,omitempty"`
	Reason                 Reason    `json:"reason,omitempty"`
}

// Interval returns the slot's range.
func (s TimeSlot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

func availableSlot(iv Interval) TimeSlot {
	return TimeSlot{Start: iv.Start, End: iv.End, Available: true}
}

func blockedSlot(iv Interval, reason Reason) TimeSlot {
	return TimeSlot{Start: iv.Start, End: iv.End, Reason: reason}
}

func occupiedSlot(iv Interval, appointmentID string) TimeSlot {
	return TimeSlot{Start: iv.Start, End: iv.End, Reason: ReasonOccupied, OccupyingAppointmentID: appointmentID}
}

// SlotRequest is the input of GenerateTimeSlots and FindAvailableSlots.
// Days are walked from the calendar day of StartDate while the day begins
// before EndDate, so [2025-01-06, 2025-01-07) covers exactly one day. A zero
// Now means the wall clock.
type SlotRequest struct {
	StartDate           time.Time     `json:"startDate" validate:"required"`
	EndDate             time.Time     `json:"endDate" validate:"required"`
	SlotDurationMinutes int           `json:"slotDurationMinutes"`
	Rules               Rules         `json:"rules"`
	Appointments        []Appointment `json:"appointments"`
	Now                 time.Time     `json:"now"`
}

// GenerateTimeSlots lays fixed-length slots over every working day in the
// range and marks each one. The checks run in a fixed order and the first
// match wins: break, too soon, too far in advance, occupied.
func GenerateTimeSlots(req SlotRequest) ([]TimeSlot, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid slot request: %w", err)
	}
	if req.SlotDurationMinutes <= 0 {
		return nil, ErrInvalidSlotDuration
	}
	if req.EndDate.Sub(req.StartDate) > MaxRangeDays*24*time.Hour {
		return nil, ErrRangeTooLong
	}
	if err := req.Rules.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateAppointments(req.Appointments); err != nil {
		return nil, err
	}
	loc, err := req.Rules.Location()
	if err != nil {
		return nil, err
	}

	step := time.Duration(req.SlotDurationMinutes) * time.Minute
	now := evaluatedAt(req.Now)
	notBefore := req.Rules.NoticeHorizon(now)
	notAfter, limited := req.Rules.AdvanceHorizon(now)

	slots := make([]TimeSlot, 0)
	for day := range calendarDays(req.StartDate, req.EndDate, loc) {
		if !req.Rules.IsWorkingDay(day.Weekday()) {
			continue
		}
		breaks := req.Rules.BreakIntervals(day)
		for candidate := range slotCandidates(req.Rules.WorkingWindow(day), step) {
			switch {
			case overlapsAny(candidate, breaks):
				slots = append(slots, blockedSlot(candidate, ReasonBreak))
			case candidate.Start.Before(notBefore):
				slots = append(slots, blockedSlot(candidate, ReasonTooSoon))
			case limited && candidate.Start.After(notAfter):
				slots = append(slots, blockedSlot(candidate, ReasonTooFar))
			default:
				if appt, ok := firstOverlapping(candidate, req.Appointments); ok {
					slots = append(slots, occupiedSlot(candidate, appt.ID))
					continue
				}
				slots = append(slots, availableSlot(candidate))
			}
		}
	}
	return slots, nil
}

// FindAvailableSlots is GenerateTimeSlots restricted to bookable slots.
func FindAvailableSlots(req SlotRequest) ([]TimeSlot, error) {
	all, err := GenerateTimeSlots(req)
	if err != nil {
		return nil, err
	}
	out := make([]TimeSlot, 0, len(all))
	for _, s := range all {
		if s.Available {
			out = append(out, s)
		}
	}
	return out, nil
}

// calendarDays yields local midnights from the day of from while the day
// starts before to. Each value is freshly built; nothing is shared between
// iterations.
func calendarDays(from, to time.Time, loc *time.Location) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if !from.Before(to) {
			return
		}
		local := from.In(loc)
		y, m, d := local.Date()
		for i := 0; ; i++ {
			day := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
			if !day.Before(to) {
				return
			}
			if !yield(day) {
				return
			}
		}
	}
}

// slotCandidates yields consecutive step-long ranges inside window. A
// trailing range that would run past the window's end is dropped.
func slotCandidates(window Interval, step time.Duration) iter.Seq[Interval] {
	return func(yield func(Interval) bool) {
		for i := 0; ; i++ {
			start := window.Start.Add(time.Duration(i) * step)
			end := start.Add(step)
			if end.After(window.End) {
				return
			}
			if !yield(Interval{Start: start, End: end}) {
				return
			}
		}
	}
}

func overlapsAny(iv Interval, others []Interval) bool {
	for _, o := range others {
		if Overlaps(iv, o) {
			return true
		}
	}
	return false
}

// evaluatedAt is the instant booking-window limits are measured from.
func evaluatedAt(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now()
	}
	return now
}

// CountByReason tallies unavailable slots per reason.
func CountByReason(slots []TimeSlot) map[Reason]int {
	out := make(map[Reason]int)
	for _, s := range slots {
		if !s.Available {
			out[s.Reason]++
		}
	}
	return out
}

func (r Reason) String() string { return string(r) }

// Code is a stable machine-friendly name for the reason.
func (r Reason) Code() string {
	switch r {
	case ReasonBreak:
		return "break"
	case ReasonTooSoon:
		return "too_soon"
	case ReasonTooFar:
		return "too_far"
	case ReasonOccupied:
		return "occupied"
	default:
		return fmt.Sprintf("unknown(%s)", string(r))
	}
}
