// Package scheduler drives the two time-based primitives spec.md
// describes: `defer(event, params)` (a fire-and-forget one-shot) and
// periodic jobs such as the stale-session sweep. Grounded on the teacher's
// `AgentHub.Run`'s 10-second `staleCheckTicker` for the periodic shape;
// `github.com/robfig/cron/v3` backs the recurring jobs since the teacher
// already depends on it elsewhere in its scheduling surface.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heleneproject/helene/internal/logging"
)

// Scheduler wraps a cron.Cron for periodic jobs and exposes Defer for
// one-shot "run on the next tick" work.
type Scheduler struct {
	cron *cron.Cron
}

func New() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds())}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs to finish, mirroring AgentHub.Stop's
// close-then-drain shutdown discipline.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Every registers fn to run on a fixed interval, grounded on
// AgentHub.Run's 10-second staleCheckTicker.
func (s *Scheduler) Every(interval time.Duration, fn func()) (cron.EntryID, error) {
	return s.cron.AddFunc(fmt.Sprintf("@every %s", interval), fn)
}

// Defer runs fn on the next tick without waiting for any cron schedule —
// SPEC_FULL.md's "zero-delay one-shot" decision for `defer(event,
// params)`, since cron's coarsest entry still waits for its next minute
// or @every boundary.
func (s *Scheduler) Defer(fn func()) {
	time.AfterFunc(0, func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Scheduler().Error().Interface("panic", r).Msg("deferred job panicked")
			}
		}()
		fn()
	})
}
