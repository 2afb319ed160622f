package presence

import (
	"fmt"

	"github.com/facebookgo/clock"
	"github.com/robfig/cron"

	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

// DefaultReapSchedule runs the reaper once an hour.
const DefaultReapSchedule = "@hourly"

// Reaper periodically garbage-collects long-offline presence records.
type Reaper struct {
	tracker *Tracker
	clock   clock.Clock
	cron    *cron.Cron
	log     *logger.Logger
}

// NewReaper schedules tracker.Reap on the given cron spec. The reaper does
// not run until Start is called.
func NewReaper(tracker *Tracker, schedule string, clk clock.Clock, log *logger.Logger) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if clk == nil {
		clk = clock.New()
	}
	r := &Reaper{
		tracker: tracker,
		clock:   clk,
		cron:    cron.New(),
		log:     log.With("component", "PresenceReaper"),
	}
	if err := r.cron.AddFunc(schedule, r.Run); err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Run performs one reaping pass.
func (r *Reaper) Run() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Recovered from panic in presence reaper", "panic", rec)
		}
	}()
	removed := r.tracker.Reap(r.clock.Now())
	r.log.Info("Presence records reaped", "removed", removed, "remaining", r.tracker.Len())
}

func (r *Reaper) Start() {
	r.log.Info("Starting presence reaper")
	r.cron.Start()
}

func (r *Reaper) Stop() {
	r.cron.Stop()
}
