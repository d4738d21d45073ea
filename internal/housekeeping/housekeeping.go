// Package housekeeping runs periodic maintenance jobs — currently pruning
// expired approval rendezvous slots — on a cron schedule, so an embedding
// process doesn't need to hand-roll a ticker loop for upkeep that only needs
// to happen every few minutes.
package housekeeping

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field expressions and 6-field
// expressions with a leading seconds field, matching what operators expect
// from a crontab while still allowing sub-minute sweeps in tests.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// PruneTarget is anything that can sweep its own expired state given a TTL.
// permission.Manager satisfies this.
type PruneTarget interface {
	PruneExpired(ttl time.Duration) int
}

// Sweeper schedules PruneTarget sweeps. A process may register one target
// per agent it hosts; each runs on its own schedule and TTL.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds a Sweeper. Pass nil for logger to use slog.Default().
func New(logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "housekeeping")
	return &Sweeper{
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cronLogAdapter{logger}))),
		logger: logger,
	}
}

// AddPruneJob registers target to be swept on the given cron schedule
// (e.g. "*/1 * * * *" for every minute, or "@every 30s"), removing any
// rendezvous slot older than ttl. label is used only for logging.
func (s *Sweeper) AddPruneJob(schedule string, label string, target PruneTarget, ttl time.Duration) (cron.EntryID, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return 0, err
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		pruned := target.PruneExpired(ttl)
		if pruned > 0 {
			s.logger.Info("pruned expired approval requests", "target", label, "count", pruned)
		}
	}))
	return id, nil
}

// Remove cancels a previously registered job.
func (s *Sweeper) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start runs the scheduler in the background. It returns immediately.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for any running job to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// cronLogAdapter satisfies cron.Logger by forwarding to a *slog.Logger.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{"error", err}, keysAndValues...)
	a.logger.Error(msg, args...)
}
