// Package retention purges soft-deleted threads once they age past the
// configured window. Soft delete keeps a thread recoverable; the sweeper is
// what eventually reclaims the space.
package retention

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
)

const defaultCron = "0 * * * *"

// Sweeper schedules purge runs with a cron expression.
type Sweeper struct {
	cron   string
	maxAge time.Duration
}

func New(cronExpr string, maxAge time.Duration) *Sweeper {
	if cronExpr == "" {
		cronExpr = defaultCron
	}
	return &Sweeper{cron: cronExpr, maxAge: maxAge}
}

// Start launches the scheduler goroutine. An invalid cron expression
// disables the sweeper rather than failing the boot.
func (s *Sweeper) Start(ctx context.Context) {
	if !gronx.IsValid(s.cron) {
		logger.Error("retention_invalid_cron", "cron", s.cron)
		return
	}
	logger.Info("retention_enabled", "cron", s.cron, "max_age", s.maxAge.String())
	go s.run(ctx)
}

// run sleeps until each next cron tick and sweeps.
func (s *Sweeper) run(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.cron, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", s.cron, "error", err.Error())
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
			if n, err := s.RunOnce(); err != nil {
				logger.Error("retention_run_error", "error", err.Error())
			} else if n > 0 {
				logger.Info("retention_swept", "purged", n)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce purges every soft-deleted thread older than the window. Exposed
// for admin-triggered sweeps and tests.
func (s *Sweeper) RunOnce() (int, error) {
	threads, err := store.ListThreads(true)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.maxAge).UnixNano()
	purged := 0
	for _, th := range threads {
		if !th.Deleted || th.DeletedTS == 0 || th.DeletedTS > cutoff {
			continue
		}
		if err := store.PurgeThread(th.ID); err != nil {
			logger.Warn("retention_purge_failed", "thread", th.ID, "error", err.Error())
			continue
		}
		purged++
	}
	return purged, nil
}
