package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookcal/bookcal/internal/availability"
)

const weekdayRulesJSON = `{
	"workingHours": {"start": "09:00", "end": "17:00"},
	"workingDays": [1, 2, 3, 4, 5],
	"minimumBookingNoticeHours": 0,
	"maximumBookingAdvanceDays": 0
}`

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestDispatcher(opts Options) *Dispatcher {
	opts.Logger = zerolog.Nop()
	if opts.Clock == nil {
		opts.Clock = fixedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	return New(opts)
}

func slotTask(id string) Task {
	return Task{
		ID:   id,
		Type: TypeGenerateTimeSlots,
		Payload: json.RawMessage(`{
			"startDate": "2025-01-06T00:00:00Z",
			"endDate": "2025-01-07T00:00:00Z",
			"slotDurationMinutes": 30,
			"rules": ` + weekdayRulesJSON + `,
			"appointments": [
				{"id": "appt-1", "start": "2025-01-06T10:00:00Z", "end": "2025-01-06T10:30:00Z", "serviceDurationMinutes": 30}
			]
		}`),
	}
}

func optimizeTask(id string) Task {
	return Task{
		ID:   id,
		Type: TypeOptimizeSchedule,
		Payload: json.RawMessage(`{
			"appointments": [
				{"id": "a", "start": "2025-01-06T09:00:00Z", "end": "2025-01-06T10:00:00Z"},
				{"id": "b", "start": "2025-01-06T11:00:00Z", "end": "2025-01-06T12:00:00Z"}
			],
			"rules": ` + weekdayRulesJSON + `
		}`),
	}
}

// =========== Execute Tests ===========

func TestExecute_GenerateTimeSlots(t *testing.T) {
	d := newTestDispatcher(Options{})

	reply := d.Execute(context.Background(), slotTask("req-1"))
	if !reply.Success {
		t.Fatalf("expected success, got error %q", reply.Error)
	}
	if reply.ID != "req-1" {
		t.Errorf("expected id req-1, got %q", reply.ID)
	}

	var slots []availability.TimeSlot
	if err := reply.Decode(&slots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(slots) != 16 {
		t.Fatalf("expected 16 slots, got %d", len(slots))
	}
	if slots[2].Reason != availability.ReasonOccupied || slots[2].OccupyingAppointmentID != "appt-1" {
		t.Errorf("expected 10:00 slot occupied by appt-1, got %+v", slots[2])
	}
}

func TestExecute_FindAvailableSlots(t *testing.T) {
	d := newTestDispatcher(Options{})
	task := slotTask("req-2")
	task.Type = TypeFindAvailableSlots

	reply := d.Execute(context.Background(), task)
	var slots []availability.TimeSlot
	if err := reply.Decode(&slots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(slots) != 15 {
		t.Errorf("expected 15 available slots, got %d", len(slots))
	}
}

func TestExecute_CalculateRecurring(t *testing.T) {
	d := newTestDispatcher(Options{})
	reply := d.Execute(context.Background(), Task{
		ID:   "rec",
		Type: TypeCalculateRecurring,
		Payload: json.RawMessage(`{
			"startDate": "2025-01-08T10:00:00Z",
			"pattern": {"frequency": "weekly", "interval": 1, "daysOfWeek": ["monday"], "maxOccurrences": 3},
			"rules": ` + weekdayRulesJSON + `
		}`),
	})

	var got []time.Time
	if err := reply.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || !got[0].Equal(time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected occurrences %v", got)
	}
}

func TestExecute_OpenEndedRecurrenceUsesConfiguredCap(t *testing.T) {
	d := newTestDispatcher(Options{MaxOccurrences: 5})
	reply := d.Execute(context.Background(), Task{
		ID:   "rec",
		Type: TypeCalculateRecurring,
		Payload: json.RawMessage(`{
			"startDate": "2025-01-06T10:00:00Z",
			"pattern": {"frequency": "daily", "interval": 1},
			"rules": ` + weekdayRulesJSON + `
		}`),
	})

	var got []time.Time
	if err := reply.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 occurrences, got %d", len(got))
	}
}

func TestExecute_OptimizeSchedule(t *testing.T) {
	d := newTestDispatcher(Options{})
	reply := d.Execute(context.Background(), optimizeTask("opt"))

	var res availability.OptimizationResult
	if err := reply.Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ImprovementScore != 67 || len(res.Gaps) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_ValidateTimeRangeUsesClock(t *testing.T) {
	d := newTestDispatcher(Options{
		Clock: fixedClock(time.Date(2025, 1, 6, 10, 10, 0, 0, time.UTC)),
	})
	reply := d.Execute(context.Background(), Task{
		ID:   "val",
		Type: TypeValidateTimeRange,
		Payload: json.RawMessage(`{
			"start": "2025-01-06T10:30:00Z",
			"end": "2025-01-06T11:00:00Z",
			"rules": {
				"workingHours": {"start": "09:00", "end": "17:00"},
				"workingDays": [1, 2, 3, 4, 5],
				"minimumBookingNoticeHours": 1
			}
		}`),
	})

	var res availability.RangeValidation
	if err := reply.Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.IsValid {
		t.Errorf("expected valid range, got %v", res.Conflicts)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Code != availability.IssueTooSoon {
		t.Errorf("expected too-soon warning from the dispatcher clock, got %v", res.Warnings)
	}
}

func TestExecute_DefaultTimezone(t *testing.T) {
	d := newTestDispatcher(Options{DefaultTimezone: "America/New_York"})
	task := slotTask("tz")
	task.Payload = json.RawMessage(`{
		"startDate": "2025-01-06T05:00:00Z",
		"endDate": "2025-01-07T05:00:00Z",
		"slotDurationMinutes": 60,
		"rules": ` + weekdayRulesJSON + `
	}`)

	var slots []availability.TimeSlot
	if err := d.Execute(context.Background(), task).Decode(&slots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(slots) != 8 {
		t.Fatalf("expected 8 slots, got %d", len(slots))
	}
	if want := time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC); !slots[0].Start.Equal(want) {
		t.Errorf("expected first slot at %v, got %v", want, slots[0].Start.UTC())
	}
}

func TestExecute_Failures(t *testing.T) {
	d := newTestDispatcher(Options{})

	tests := []struct {
		name    string
		task    Task
		wantErr string
	}{
		{"unknown type", Task{ID: "1", Type: "bookEverything", Payload: json.RawMessage(`{}`)}, "unknown task type"},
		{"empty payload", Task{ID: "2", Type: TypeOptimizeSchedule}, "payload is required"},
		{"null payload", Task{ID: "3", Type: TypeOptimizeSchedule, Payload: json.RawMessage(`null`)}, "payload is required"},
		{"malformed payload", Task{ID: "4", Type: TypeGenerateTimeSlots, Payload: json.RawMessage(`{"startDate": "yesterday"}`)}, "invalid payload"},
		{"bad time of day", Task{ID: "5", Type: TypeOptimizeSchedule, Payload: json.RawMessage(`{"rules": {"workingHours": {"start": "9am", "end": "17:00"}}}`)}, "invalid payload"},
		{"computation error", Task{ID: "6", Type: TypeGenerateTimeSlots, Payload: json.RawMessage(`{
			"startDate": "2025-01-06T00:00:00Z",
			"endDate": "2025-01-07T00:00:00Z",
			"slotDurationMinutes": 0,
			"rules": ` + weekdayRulesJSON + `
		}`)}, "slot duration must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := d.Execute(context.Background(), tt.task)
			if reply.Success {
				t.Fatal("expected failure")
			}
			if reply.ID != tt.task.ID {
				t.Errorf("expected id %q, got %q", tt.task.ID, reply.ID)
			}
			if !strings.Contains(reply.Error, tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, reply.Error)
			}
			if reply.Result != nil {
				t.Errorf("failure reply should carry no result, got %s", reply.Result)
			}
		})
	}

	// A failing task does not affect the next one.
	if reply := d.Execute(context.Background(), slotTask("after")); !reply.Success {
		t.Errorf("expected success after failures, got %q", reply.Error)
	}
}

// =========== Cache Tests ===========

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	hits    int
	sets    int
	panicOn bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]json.RawMessage)}
}

func (c *memoryCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	if c.panicOn {
		panic("cache exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, result json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = result
	c.sets++
	return nil
}

func TestExecute_CachesDeterministicTasks(t *testing.T) {
	cache := newMemoryCache()
	d := newTestDispatcher(Options{Cache: cache})

	first := d.Execute(context.Background(), optimizeTask("first"))
	second := d.Execute(context.Background(), optimizeTask("second"))
	if !first.Success || !second.Success {
		t.Fatalf("expected success, got %q / %q", first.Error, second.Error)
	}
	if cache.sets != 1 || cache.hits != 1 {
		t.Errorf("expected one set and one hit, got sets=%d hits=%d", cache.sets, cache.hits)
	}
	if second.ID != "second" {
		t.Errorf("cached reply must carry the new id, got %q", second.ID)
	}
	if string(first.Result) != string(second.Result) {
		t.Error("cached result differs from computed result")
	}
}

func TestExecute_SkipsCacheWhenClockIsRead(t *testing.T) {
	cache := newMemoryCache()
	d := newTestDispatcher(Options{Cache: cache})

	d.Execute(context.Background(), slotTask("a"))
	d.Execute(context.Background(), slotTask("b"))
	if cache.sets != 0 || cache.hits != 0 {
		t.Errorf("expected no cache use without a pinned now, got sets=%d hits=%d", cache.sets, cache.hits)
	}

	pinned := slotTask("c")
	pinned.Payload = json.RawMessage(`{
		"startDate": "2025-01-06T00:00:00Z",
		"endDate": "2025-01-07T00:00:00Z",
		"slotDurationMinutes": 30,
		"rules": ` + weekdayRulesJSON + `,
		"now": "2025-01-01T00:00:00Z"
	}`)
	d.Execute(context.Background(), pinned)
	if cache.sets != 1 {
		t.Errorf("expected pinned task to be cached, got sets=%d", cache.sets)
	}
}

func TestExecute_RecoversPanic(t *testing.T) {
	cache := newMemoryCache()
	cache.panicOn = true
	d := newTestDispatcher(Options{Cache: cache})

	reply := d.Execute(context.Background(), optimizeTask("boom"))
	if reply.Success {
		t.Fatal("expected failure")
	}
	if reply.ID != "boom" || !strings.Contains(reply.Error, "cache exploded") {
		t.Errorf("unexpected reply %+v", reply)
	}
	if d.State() != StateIdle {
		t.Errorf("expected idle after panic, got %s", d.State())
	}
}

// =========== Queue Tests ===========

func startDispatcher(t *testing.T, d *Dispatcher) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestRun_RepliesInOrder(t *testing.T) {
	d := newTestDispatcher(Options{QueueSize: 16})
	stop := startDispatcher(t, d)
	defer stop()

	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	var chans []<-chan Reply
	for i, id := range ids {
		task := slotTask(id)
		if i%2 == 1 {
			task = Task{ID: id, Type: "nope"}
		}
		ch, err := d.Submit(task)
		if err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
		chans = append(chans, ch)
	}

	for i, ch := range chans {
		select {
		case r := <-ch:
			if r.ID != ids[i] {
				t.Errorf("reply %d: expected id %s, got %s", i, ids[i], r.ID)
			}
			if r.Success != (i%2 == 0) {
				t.Errorf("reply %d: unexpected success=%v", i, r.Success)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for reply %d", i)
		}
	}
}

func TestDo_ReturnsReply(t *testing.T) {
	d := newTestDispatcher(Options{})
	stop := startDispatcher(t, d)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := d.Do(ctx, optimizeTask("do"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reply.Success || reply.ID != "do" {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	d := newTestDispatcher(Options{}) // never started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Do(ctx, optimizeTask("late"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	d := newTestDispatcher(Options{QueueSize: 1})

	if _, err := d.Submit(optimizeTask("one")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.QueueDepth() != 1 {
		t.Errorf("expected queue depth 1, got %d", d.QueueDepth())
	}
	if _, err := d.Submit(optimizeTask("two")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestRun_ShutdownDrainsQueue(t *testing.T) {
	d := newTestDispatcher(Options{QueueSize: 4})

	pending, err := d.Submit(optimizeTask("pending"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx) // returns once the queue has been drained

	// The cancelled context may race the queued task, so either outcome is
	// a single well-formed reply.
	select {
	case r := <-pending:
		if r.ID != "pending" {
			t.Errorf("unexpected id %q", r.ID)
		}
		if !r.Success && !strings.Contains(r.Error, ErrDispatcherClosed.Error()) {
			t.Errorf("unexpected failure %q", r.Error)
		}
	default:
		t.Fatal("expected a reply for the queued task")
	}

	if _, err := d.Submit(optimizeTask("after")); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	if StateIdle.String() != "idle" || StateExecuting.String() != "executing" {
		t.Errorf("unexpected state names %q %q", StateIdle, StateExecuting)
	}
	d := newTestDispatcher(Options{})
	if d.State() != StateIdle {
		t.Errorf("new dispatcher should be idle, got %s", d.State())
	}
}
