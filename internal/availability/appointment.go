package availability

import (
	"fmt"
	"time"
)

// Appointment is a committed booking owned by the host. The engine only reads
// it as a conflict source.
type Appointment struct {
	ID                     string    `json:"id" yaml:"id" validate:"required"`
	Start                  time.Time `json:"start" yaml:"start" validate:"required"`
	End                    time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	ServiceDurationMinutes int       `json:"serviceDurationMinutes" yaml:"serviceDurationMinutes" validate:"gte=0"`
	BufferMinutes          int       `json:"bufferMinutes,omitempty" yaml:"bufferMinutes,omitempty" validate:"gte=0"`
}

// EffectiveEnd is End, or Start plus the service duration when End is unset.
func (a Appointment) EffectiveEnd() time.Time {
	if a.End.IsZero() {
		return a.Start.Add(time.Duration(a.ServiceDurationMinutes) * time.Minute)
	}
	return a.End
}

// Booked is the appointment's own time range.
func (a Appointment) Booked() Interval {
	return Interval{Start: a.Start, End: a.EffectiveEnd()}
}

// Occupied is the range the appointment blocks, including its trailing buffer.
func (a Appointment) Occupied() Interval {
	return Interval{
		Start: a.Start,
		End:   a.EffectiveEnd().Add(time.Duration(a.BufferMinutes) * time.Minute),
	}
}

// ValidateAppointments checks every appointment in the list.
func ValidateAppointments(appts []Appointment) error {
	for i, a := range appts {
		if err := validate.Struct(a); err != nil {
			return fmt.Errorf("appointment %d: %w", i, err)
		}
		if !a.Start.Before(a.EffectiveEnd()) {
			return fmt.Errorf("appointment %q: start must be before end", a.ID)
		}
	}
	return nil
}

// firstOverlapping returns the first appointment whose occupied range
// overlaps iv.
func firstOverlapping(iv Interval, appts []Appointment) (Appointment, bool) {
	for _, a := range appts {
		if Overlaps(iv, a.Occupied()) {
			return a, true
		}
	}
	return Appointment{}, false
}
