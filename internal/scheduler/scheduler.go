// Package scheduler runs the periodic registry maintenance jobs.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/paywire/internal/registry"
	"github.com/user/paywire/internal/types"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like
// "@every 5s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler runs named jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]cron.EntryID
}

// New creates an idle scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cronParser)),
		jobs: make(map[string]cron.EntryID),
	}
}

// Every returns the descriptor for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Add registers fn under name. It fails on a malformed schedule or a
// duplicate name.
func (s *Scheduler) Add(name, schedule string, fn func()) error {
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(schedule, func() {
		slog.Debug("cron firing job", "name", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	s.jobs[name] = id
	slog.Info("scheduled job", "name", name, "schedule", schedule)
	return nil
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ExpiryJob marks agents whose last heartbeat is older than window as
// Disconnected.
func ExpiryJob(reg *registry.Registry, window time.Duration) func() {
	return func() {
		if expired := reg.Expire(time.Now(), window); len(expired) > 0 {
			slog.Info("expired stale agents", "count", len(expired))
		}
	}
}

// KeepaliveJob heartbeats agents hosted in this process so they never
// expire. Unknown ids are skipped.
func KeepaliveJob(reg *registry.Registry, ids ...types.AgentID) func() {
	return func() {
		for _, id := range ids {
			if err := reg.Heartbeat(id); err != nil {
				slog.Debug("keepalive skipped", "agent_id", id, "error", err)
			}
		}
	}
}
