package booking

import (
	"time"

	"github.com/bookcal/bookcal/internal/availability"
)

// Provider is a bookable resource with its booking constraints.
type Provider struct {
	ID          string             `db:"id" json:"id"`
	DisplayName string             `db:"display_name" json:"displayName"`
	Rules       availability.Rules `json:"rules"`
	CreatedAt   time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updatedAt"`
}

// Appointment statuses that no longer block time.
var nonBlockingStatuses = []string{"cancelled", "noshow", "entered-in-error"}

// Schedule is everything the engine needs to answer questions about one
// provider within [From, To).
type Schedule struct {
	Provider     *Provider
	Appointments []availability.Appointment
	From         time.Time
	To           time.Time
}

// SlotRequest builds the slot generator input for the schedule.
func (s *Schedule) SlotRequest(slotDurationMinutes int, now time.Time) availability.SlotRequest {
	return availability.SlotRequest{
		StartDate:           s.From,
		EndDate:             s.To,
		SlotDurationMinutes: slotDurationMinutes,
		Rules:               s.Provider.Rules,
		Appointments:        s.Appointments,
		Now:                 now,
	}
}
