package booking

import (
	"context"
	"time"

	"github.com/bookcal/bookcal/internal/availability"
)

type ProviderRepository interface {
	GetByID(ctx context.Context, id string) (*Provider, error)
	List(ctx context.Context, limit, offset int) ([]*Provider, int, error)
}

type AppointmentRepository interface {
	// ListBlocking returns the provider's appointments whose occupied time,
	// buffer included, intersects [from, to).
	ListBlocking(ctx context.Context, providerID string, from, to time.Time) ([]availability.Appointment, error)
}

// Snapshotter runs a group of reads against one consistent state.
type Snapshotter interface {
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}
