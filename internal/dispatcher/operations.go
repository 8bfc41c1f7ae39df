package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bookcal/bookcal/internal/availability"
)

// call is a decoded task ready to run. deterministic is true when the result
// depends on nothing but key, so it may be served from a cache.
type call struct {
	run           func() (any, error)
	key           any
	deterministic bool
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// prepare decodes the payload for t's type and fills host-supplied defaults:
// the current time and the default timezone.
func (d *Dispatcher) prepare(t Task) (call, error) {
	switch t.Type {
	case TypeGenerateTimeSlots, TypeFindAvailableSlots:
		var req availability.SlotRequest
		if err := decodePayload(t.Payload, &req); err != nil {
			return call{}, err
		}
		pinned := !req.Now.IsZero()
		if !pinned {
			req.Now = d.clock()
		}
		d.defaultRules(&req.Rules)
		run := func() (any, error) { return availability.GenerateTimeSlots(req) }
		if t.Type == TypeFindAvailableSlots {
			run = func() (any, error) { return availability.FindAvailableSlots(req) }
		}
		return call{run: run, key: req, deterministic: pinned}, nil

	case TypeCalculateRecurring:
		var req availability.RecurrenceRequest
		if err := decodePayload(t.Payload, &req); err != nil {
			return call{}, err
		}
		d.defaultRules(&req.Rules)
		req.FallbackMax = d.opts.MaxOccurrences
		return call{
			run: func() (any, error) { return availability.CalculateRecurring(req) },
			key: struct {
				Request availability.RecurrenceRequest
				Max     int
			}{req, req.FallbackMax},
			deterministic: true,
		}, nil

	case TypeOptimizeSchedule:
		var req availability.OptimizeRequest
		if err := decodePayload(t.Payload, &req); err != nil {
			return call{}, err
		}
		d.defaultRules(&req.Rules)
		return call{
			run:           func() (any, error) { return availability.OptimizeSchedule(req) },
			key:           req,
			deterministic: true,
		}, nil

	case TypeValidateTimeRange:
		var req availability.RangeRequest
		if err := decodePayload(t.Payload, &req); err != nil {
			return call{}, err
		}
		pinned := !req.Now.IsZero()
		if !pinned {
			req.Now = d.clock()
		}
		d.defaultRules(&req.Rules)
		return call{
			run:           func() (any, error) { return availability.ValidateTimeRange(req) },
			key:           req,
			deterministic: pinned,
		}, nil
	}
	return call{}, fmt.Errorf("%w %q", ErrUnknownTaskType, t.Type)
}

func (d *Dispatcher) defaultRules(r *availability.Rules) {
	if r.Timezone == "" {
		r.Timezone = d.opts.DefaultTimezone
	}
}
