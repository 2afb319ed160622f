package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/facebookgo/clock"

	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/telemetry"
)

const (
	shardCount = 64

	DefaultAwayTimeout = 15 * time.Minute
	DefaultRetention   = 24 * time.Hour
)

type userKey struct {
	workspaceID string
	userID      int64
}

// entry is owned by its shard lock. generation increases every time the
// pending timer is cancelled or replaced; a firing timer whose generation is
// stale does nothing.
type entry struct {
	record     Record
	timer      *clock.Timer
	generation uint64
}

func (e *entry) cancelTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
}

type trackerShard struct {
	mu      sync.Mutex
	entries map[userKey]*entry
}

// Options configures a Tracker.
type Options struct {
	AwayTimeout time.Duration
	Retention   time.Duration
	Clock       clock.Clock
	Metrics     *telemetry.Metrics
	Logger      *logger.Logger
}

// Tracker runs the presence state machine of every user. All transitions of
// one user are serialized by the shard lock of that user.
type Tracker struct {
	shards      [shardCount]trackerShard
	awayTimeout time.Duration
	retention   time.Duration
	clock       clock.Clock
	metrics     *telemetry.Metrics
	log         *logger.Logger

	listenersMu sync.RWMutex
	listeners   []Listener
}

func NewTracker(opts Options) *Tracker {
	if opts.AwayTimeout <= 0 {
		opts.AwayTimeout = DefaultAwayTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	t := &Tracker{
		awayTimeout: opts.AwayTimeout,
		retention:   opts.Retention,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		log:         opts.Logger.With("component", "PresenceTracker"),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[userKey]*entry)
	}
	return t
}

// Subscribe adds a listener for every subsequent change.
func (t *Tracker) Subscribe(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

func (t *Tracker) shardFor(k userKey) *trackerShard {
	return &t.shards[xxhash.Sum64String(k.workspaceID+"/"+strconv.FormatInt(k.userID, 10))%shardCount]
}

func keyOf(p identity.Principal) userKey {
	return userKey{workspaceID: p.WorkspaceID, userID: p.UserID}
}

// Activity marks the user online and cancels any pending offline timer. A
// user already in the online family is left as is.
func (t *Tracker) Activity(ctx context.Context, p identity.Principal) {
	k := keyOf(p)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		e = &entry{}
		s.entries[k] = e
	}
	e.cancelTimer()
	if e.record.Status.Online() {
		return
	}
	t.apply(ctx, k, e, StatusOnline, p.DeviceType)
}

// Inactivity marks the user away and schedules the transition to offline.
// Any previously pending timer is cancelled first.
func (t *Tracker) Inactivity(ctx context.Context, p identity.Principal) {
	k := keyOf(p)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		e = &entry{}
		s.entries[k] = e
	}
	e.cancelTimer()
	if e.record.Status != StatusAway {
		t.apply(ctx, k, e, StatusAway, p.DeviceType)
	}

	generation := e.generation
	e.timer = t.clock.AfterFunc(t.awayTimeout, func() {
		t.expire(k, generation)
	})
}

// SetStatus applies a user-chosen status from the online family.
func (t *Tracker) SetStatus(ctx context.Context, p identity.Principal, status Status) error {
	if !status.Online() {
		return ErrInvalidStatus
	}
	k := keyOf(p)
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil {
		e = &entry{}
		s.entries[k] = e
	}
	e.cancelTimer()
	if e.record.Status != status {
		t.apply(ctx, k, e, status, p.DeviceType)
	}
	return nil
}

// expire runs on the clock's goroutine. It re-validates the entry before
// going offline, since an event may have landed after the timer fired.
func (t *Tracker) expire(k userKey, generation uint64) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Recovered from panic in offline timer",
				"workspace_id", k.workspaceID,
				"user_id", k.userID,
				"panic", r,
			)
		}
	}()

	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[k]
	if e == nil || e.generation != generation {
		return
	}
	e.timer = nil
	if e.record.Status != StatusAway {
		return
	}
	t.apply(context.Background(), k, e, StatusOffline, e.record.DeviceType)
}

// apply stores the new status and notifies listeners. The caller holds the
// shard lock.
func (t *Tracker) apply(ctx context.Context, k userKey, e *entry, status Status, device identity.DeviceType) {
	previous := e.record.Status
	e.record = Record{Status: status, LastUpdated: t.clock.Now(), DeviceType: device}
	t.metrics.PresenceTransition(ctx, string(status))
	t.log.Debug("Presence changed",
		"workspace_id", k.workspaceID,
		"user_id", k.userID,
		"from", string(previous),
		"to", string(status),
	)

	change := Change{
		WorkspaceID: k.workspaceID,
		UserID:      k.userID,
		Status:      status,
		Previous:    previous,
		DeviceType:  device,
		At:          e.record.LastUpdated,
	}
	t.listenersMu.RLock()
	listeners := t.listeners
	t.listenersMu.RUnlock()
	for _, l := range listeners {
		t.notify(ctx, l, change)
	}
}

func (t *Tracker) notify(ctx context.Context, l Listener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Recovered from panic in presence listener", "user_id", change.UserID, "panic", r)
		}
	}()
	l.OnChange(ctx, change)
}

// Reap removes records that have been OFFLINE for longer than the retention
// period and returns how many were removed. It never notifies listeners.
func (t *Tracker) Reap(now time.Time) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if e.record.Status == StatusOffline && e.timer == nil && now.Sub(e.record.LastUpdated) > t.retention {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Get returns the stored record of a user.
func (t *Tracker) Get(workspaceID string, userID int64) (Record, bool) {
	k := userKey{workspaceID: workspaceID, userID: userID}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok || e.record.Status == "" {
		return Record{}, false
	}
	return e.record, true
}

// Pending reports whether an offline timer is scheduled for the user.
func (t *Tracker) Pending(workspaceID string, userID int64) bool {
	k := userKey{workspaceID: workspaceID, userID: userID}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	return ok && e.timer != nil
}

// Len returns the number of tracked users.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stop cancels every pending offline timer.
func (t *Tracker) Stop() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			e.cancelTimer()
		}
		s.mu.Unlock()
	}
}
