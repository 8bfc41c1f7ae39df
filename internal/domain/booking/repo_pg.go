package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookcal/bookcal/internal/availability"
	"github.com/bookcal/bookcal/internal/platform/db"
)

// =========== Provider Repository ===========

type providerRepoPG struct{ pool *pgxpool.Pool }

func NewProviderRepoPG(pool *pgxpool.Pool) ProviderRepository { return &providerRepoPG{pool: pool} }

func (r *providerRepoPG) conn(ctx context.Context) db.Querier {
	if q := db.QuerierFromContext(ctx); q != nil {
		return q
	}
	return r.pool
}

const providerCols = `id, display_name, timezone, working_start, working_end, working_days,
	min_notice_hours, max_advance_days, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var start, end string
	var days []int16
	err := row.Scan(&p.ID, &p.DisplayName, &p.Rules.Timezone, &start, &end, &days,
		&p.Rules.MinimumBookingNoticeHours, &p.Rules.MaximumBookingAdvanceDays, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if p.Rules.WorkingHours.Start, err = availability.ParseTimeOfDay(start); err != nil {
		return nil, fmt.Errorf("provider %s working_start: %w", p.ID, err)
	}
	if p.Rules.WorkingHours.End, err = availability.ParseTimeOfDay(end); err != nil {
		return nil, fmt.Errorf("provider %s working_end: %w", p.ID, err)
	}
	p.Rules.WorkingDays = make([]availability.Weekday, 0, len(days))
	for _, d := range days {
		p.Rules.WorkingDays = append(p.Rules.WorkingDays, availability.Weekday(d))
	}
	return &p, nil
}

func (r *providerRepoPG) loadBreaks(ctx context.Context, p *Provider) error {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT start_time, end_time FROM provider_break WHERE provider_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var start, end string
		if err := rows.Scan(&start, &end); err != nil {
			return err
		}
		var b availability.ClockRange
		if b.Start, err = availability.ParseTimeOfDay(start); err != nil {
			return fmt.Errorf("provider %s break: %w", p.ID, err)
		}
		if b.End, err = availability.ParseTimeOfDay(end); err != nil {
			return fmt.Errorf("provider %s break: %w", p.ID, err)
		}
		p.Rules.Breaks = append(p.Rules.Breaks, b)
	}
	return rows.Err()
}

func (r *providerRepoPG) GetByID(ctx context.Context, id string) (*Provider, error) {
	p, err := scanProvider(r.conn(ctx).QueryRow(ctx, `SELECT `+providerCols+` FROM provider WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadBreaks(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *providerRepoPG) List(ctx context.Context, limit, offset int) ([]*Provider, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM provider`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+providerCols+` FROM provider ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for _, p := range items {
		if err := r.loadBreaks(ctx, p); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	if q := db.QuerierFromContext(ctx); q != nil {
		return q
	}
	return r.pool
}

func (r *appointmentRepoPG) ListBlocking(ctx context.Context, providerID string, from, to time.Time) ([]availability.Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, start_time, end_time, service_duration_minutes, buffer_minutes
		FROM appointment
		WHERE provider_id = $1
			AND status <> ALL($4)
			AND start_time < $3
			AND COALESCE(end_time, start_time + make_interval(mins => service_duration_minutes))
				+ make_interval(mins => buffer_minutes) > $2
		ORDER BY start_time, id`,
		providerID, from, to, nonBlockingStatuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]availability.Appointment, 0)
	for rows.Next() {
		var a availability.Appointment
		var end *time.Time
		if err := rows.Scan(&a.ID, &a.Start, &end, &a.ServiceDurationMinutes, &a.BufferMinutes); err != nil {
			return nil, err
		}
		if end != nil {
			a.End = *end
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
