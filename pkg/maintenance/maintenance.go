// Package maintenance implements C7 (spec.md §4.7): a caller-driven
// background loop that periodically invokes cleanup and, per context,
// consolidation.
package maintenance

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/tempovec/pkg/logging"
	"github.com/liliang-cn/tempovec/pkg/manager"
)

// consolidateFanout bounds how many contexts are consolidated concurrently
// on a single tick, mirroring pkg/manager's linearScan chunk concurrency.
const consolidateFanout = 8

// ContextLister is implemented by callers that want consolidate() run per
// context on every tick; it is optional (Run works without it).
type ContextLister interface {
	Contexts() []string
}

// Runner drives a Manager's cleanup (and optional consolidate) on a
// caller-provided timer. Grounded on the ticker loop shape of the
// teacher's streaming support (the only timer-driven loop in the pack).
type Runner struct {
	mgr    *manager.Manager
	lister ContextLister
	log    logging.Logger
	onTick func(manager.CleanupReport)
}

// New creates a Runner over mgr. lister may be nil, in which case only
// cleanup runs on each tick. onTick, if non-nil, is called with each
// cleanup's report.
func New(mgr *manager.Manager, lister ContextLister, log logging.Logger, onTick func(manager.CleanupReport)) *Runner {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Runner{mgr: mgr, lister: lister, log: log, onTick: onTick}
}

// Run blocks, invoking one maintenance pass every interval until ctx is
// canceled. Each pass is idempotent modulo timestamps (spec.md §4.7): a
// pass over already-clean state evicts nothing and merges nothing new.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// Tick runs one maintenance pass immediately, for callers (and tests)
// that want synchronous control rather than waiting on a ticker.
func (r *Runner) Tick(now time.Time) manager.CleanupReport {
	return r.tick(now)
}

func (r *Runner) tick(now time.Time) manager.CleanupReport {
	report := r.mgr.Cleanup(now)
	if len(report.Errors) > 0 {
		r.log.Error("cleanup reported errors", "count", len(report.Errors))
	}
	if len(report.Evicted) > 0 {
		r.log.Debug("cleanup evicted records", "count", len(report.Evicted))
	}

	if r.lister != nil {
		r.consolidateAll(r.lister.Contexts(), now)
	}

	if r.onTick != nil {
		r.onTick(report)
	}
	return report
}

// consolidateAll runs consolidate(ctx) for every context in ctxs, fanned
// out across a bounded errgroup (spec.md §4.7 describes per-context
// consolidation as independent; nothing here requires they run in any
// particular order or one at a time). A failing context is logged and
// does not cancel the others.
func (r *Runner) consolidateAll(ctxs []string, now time.Time) {
	var g errgroup.Group
	g.SetLimit(consolidateFanout)
	for _, ctx := range ctxs {
		ctx := ctx
		g.Go(func() error {
			merged, err := r.mgr.Consolidate(ctx, now, nil)
			if err != nil {
				r.log.Error("consolidate failed", "context", ctx, "err", err)
				return nil
			}
			if merged > 0 {
				r.log.Debug("consolidate merged clusters", "context", ctx, "count", merged)
			}
			return nil
		})
	}
	g.Wait()
}
