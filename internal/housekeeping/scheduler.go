// Package housekeeping drives periodic maintenance work into a reactor
// from outside its single-threaded tick loop: a cron schedule fires on
// its own goroutine, but it only enqueues an event through PostAsync — the
// event is applied synchronously on the reactor's next Sync call, the same
// guard a cron-driven job uses around its run flag to avoid overlap.
package housekeeping

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/emcnet/emc-core/internal/hostinfo"
)

// Poster is the subset of Reactor the scheduler needs.
type Poster interface {
	PostAsync(code int, arg any)
}

// EventMaintenance is the event code posted to the reactor on each tick.
const EventMaintenance = 2000

// Scheduler runs one cron-driven maintenance job against a Reactor.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	target Poster

	mu      sync.Mutex
	running bool
}

// New builds a Scheduler that posts EventMaintenance to target on the
// given cron expression (default: hourly, "0 * * * *").
func New(target Poster, logger *slog.Logger, schedule string) (*Scheduler, error) {
	if schedule == "" {
		schedule = "0 * * * *"
	}
	s := &Scheduler{logger: logger, target: target}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		return nil, err
	}
	s.cron = c
	return s, nil
}

// Start begins the cron schedule.
func (s *Scheduler) Start() {
	s.logger.Info("housekeeping scheduler started")
	s.cron.Start()
}

// Stop halts the cron schedule and waits for any in-flight tick.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("housekeeping scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("housekeeping scheduler stop timed out")
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("housekeeping tick skipped, previous run still in flight")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	snap := hostinfo.Collect(context.Background())
	s.logger.Info("housekeeping tick",
		"cpu_count", snap.CPUCount,
		"mem_used", snap.UsedMemory,
		"mem_total", snap.TotalMemory,
		"uptime_s", snap.UptimeSecond,
	)
	s.target.PostAsync(EventMaintenance, snap)
}
