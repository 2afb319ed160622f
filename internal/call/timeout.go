package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

// DefaultRingTimeout is how long a call may ring before it is marked missed.
const DefaultRingTimeout = 45 * time.Second

// Misser is the part of the Coordinator the ring timeout drives.
type Misser interface {
	MarkMissed(ctx context.Context, callID string) error
}

// RingTimeout marks calls as missed when they ring for longer than the
// configured timeout. Register it with Coordinator.Observe.
type RingTimeout struct {
	calls   Misser
	timeout time.Duration
	clock   clock.Clock
	log     *logger.Logger

	mu     sync.Mutex
	timers map[string]*clock.Timer
	closed bool
}

func NewRingTimeout(calls Misser, timeout time.Duration, clk clock.Clock, log *logger.Logger) *RingTimeout {
	if timeout <= 0 {
		timeout = DefaultRingTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RingTimeout{
		calls:   calls,
		timeout: timeout,
		clock:   clk,
		log:     log.With("component", "RingTimeout"),
		timers:  make(map[string]*clock.Timer),
	}
}

func (r *RingTimeout) CallRinging(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[c.ID]; ok {
		t.Stop()
	}
	id := c.ID
	r.timers[id] = r.clock.AfterFunc(r.timeout, func() { r.fire(id) })
}

func (r *RingTimeout) CallSettled(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[c.ID]; ok {
		t.Stop()
		delete(r.timers, c.ID)
	}
}

// Pending returns the number of calls being watched.
func (r *RingTimeout) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every pending timer.
func (r *RingTimeout) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *RingTimeout) fire(callID string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Recovered from panic in ring timeout", "call_id", callID, "panic", rec)
		}
	}()

	r.mu.Lock()
	_, watched := r.timers[callID]
	delete(r.timers, callID)
	r.mu.Unlock()
	if !watched {
		return
	}

	err := r.calls.MarkMissed(context.Background(), callID)
	switch {
	case err == nil:
		r.log.Info("Call missed", "call_id", callID, "timeout", r.timeout.String())
	case errors.Is(err, ErrUnknownCall), errors.Is(err, ErrIllegalState):
		r.log.Debug("Ring timeout raced with call resolution", "call_id", callID, "error", err)
	default:
		r.log.Warn("Failed to mark call missed", "call_id", callID, "error", err)
	}
}
