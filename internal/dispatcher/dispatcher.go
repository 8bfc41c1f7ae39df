// Package dispatcher is the message boundary of the engine. Tasks are queued
// on a bounded channel and executed one at a time by a single worker
// goroutine; each task yields exactly one Reply.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookcal/bookcal/internal/availability"
)

// State is what the worker is doing right now.
type State int32

const (
	StateIdle State = iota
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Dispatcher. Zero values fall back to defaults.
type Options struct {
	QueueSize       int
	DefaultTimezone string
	MaxOccurrences  int
	Clock           func() time.Time
	Cache           Cache
	Logger          zerolog.Logger
}

// Dispatcher owns the worker goroutine. Create with New and start with Run.
type Dispatcher struct {
	opts  Options
	log   zerolog.Logger
	queue chan envelope
	state atomic.Int32

	mu     sync.RWMutex
	closed bool
}

type envelope struct {
	task  Task
	reply chan Reply
}

func New(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = availability.DefaultMaxOccurrences
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "dispatcher").Logger(),
		queue: make(chan envelope, opts.QueueSize),
	}
}

func (d *Dispatcher) clock() time.Time {
	return d.opts.Clock()
}

// Run executes queued tasks until ctx is done. Tasks still queued at that
// point are answered with ErrDispatcherClosed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info().Int("queue_size", cap(d.queue)).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case env := <-d.queue:
			env.reply <- d.Execute(ctx, env.task)
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := 0
	for {
		select {
		case env := <-d.queue:
			env.reply <- Failure(env.task.ID, ErrDispatcherClosed)
			drained++
		default:
			d.log.Info().Int("drained", drained).Msg("dispatcher stopped")
			return
		}
	}
}

// Submit enqueues a task without waiting. The returned channel receives
// exactly one Reply.
func (d *Dispatcher) Submit(t Task) (<-chan Reply, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrDispatcherClosed
	}
	env := envelope{task: t, reply: make(chan Reply, 1)}
	select {
	case d.queue <- env:
		return env.reply, nil
	default:
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(d.queue))
	}
}

// Do submits a task and waits for its reply. If ctx ends first the task
// still runs to completion but its reply is discarded.
func (d *Dispatcher) Do(ctx context.Context, t Task) (Reply, error) {
	ch, err := d.Submit(t)
	if err != nil {
		return Reply{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Execute runs one task on the calling goroutine. Errors and panics inside
// the operation become failure replies.
func (d *Dispatcher) Execute(ctx context.Context, t Task) (reply Reply) {
	d.state.Store(int32(StateExecuting))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)

			d.log.Error().
				Str("task_id", t.ID).
				Str("task_type", string(t.Type)).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered")

			reply = Failure(t.ID, fmt.Errorf("internal error: %v", r))
		}
		d.state.Store(int32(StateIdle))

		evt := d.log.Debug()
		if !reply.Success {
			evt = d.log.Warn().Str("error", reply.Error)
		}
		evt.
			Str("task_id", t.ID).
			Str("task_type", string(t.Type)).
			Dur("duration", time.Since(start)).
			Bool("success", reply.Success).
			Msg("task")
	}()

	c, err := d.prepare(t)
	if err != nil {
		return Failure(t.ID, err)
	}

	var key string
	if d.opts.Cache != nil && c.deterministic {
		key, err = cacheKey(t.Type, c.key)
		if err == nil {
			cached, hit, cerr := d.opts.Cache.Get(ctx, key)
			if cerr != nil {
				d.log.Warn().Err(cerr).Str("task_id", t.ID).Msg("result cache read failed")
			}
			if hit {
				return success(t.ID, cached)
			}
		}
	}

	result, err := c.run()
	if err != nil {
		return Failure(t.ID, err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return Failure(t.ID, fmt.Errorf("encode result: %w", err))
	}

	if key != "" {
		if err := d.opts.Cache.Set(ctx, key, encoded); err != nil {
			d.log.Warn().Err(err).Str("task_id", t.ID).Msg("result cache write failed")
		}
	}
	return success(t.ID, encoded)
}

// State reports whether the worker is running a task.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// QueueDepth is the number of tasks waiting to run.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func cacheKey(t TaskType, normalized any) (string, error) {
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(t))
	h.Write([]byte{'|'})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}
