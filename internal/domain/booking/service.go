// Package booking reads host-owned provider constraints and committed
// appointments. It never writes booking data.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookcal/bookcal/internal/availability"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrInvalidWindow    = errors.New("window start must be before end")
	ErrMissingProvider  = errors.New("provider id is required")
)

type Service struct {
	providers    ProviderRepository
	appointments AppointmentRepository
	snapshots    Snapshotter
}

func NewService(providers ProviderRepository, appts AppointmentRepository, snapshots Snapshotter) *Service {
	return &Service{providers: providers, appointments: appts, snapshots: snapshots}
}

func (s *Service) GetProvider(ctx context.Context, id string) (*Provider, error) {
	if id == "" {
		return nil, ErrMissingProvider
	}
	return s.providers.GetByID(ctx, id)
}

func (s *Service) ListProviders(ctx context.Context, limit, offset int) ([]*Provider, int, error) {
	return s.providers.List(ctx, limit, offset)
}

// LoadSchedule reads a provider and its blocking appointments for [from, to)
// from a single snapshot.
func (s *Service) LoadSchedule(ctx context.Context, providerID string, from, to time.Time) (*Schedule, error) {
	if providerID == "" {
		return nil, ErrMissingProvider
	}
	if !from.Before(to) {
		return nil, ErrInvalidWindow
	}
	if to.Sub(from) > availability.MaxRangeDays*24*time.Hour {
		return nil, availability.ErrRangeTooLong
	}

	sched := &Schedule{From: from, To: to}
	err := s.snapshots.ReadOnly(ctx, func(ctx context.Context) error {
		p, err := s.providers.GetByID(ctx, providerID)
		if err != nil {
			return err
		}
		appts, err := s.appointments.ListBlocking(ctx, providerID, from, to)
		if err != nil {
			return fmt.Errorf("load appointments for %s: %w", providerID, err)
		}
		sched.Provider = p
		sched.Appointments = appts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}
