package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/plan"
)

// DefaultSpec runs the due sweep once a minute.
const DefaultSpec = "0 * * * * *"

// Sweeper triggers every due plan as one batch on behalf of a keeper agent.
// The keeper must be on the gateway's allow-list; otherwise each sweep is
// rejected as Unauthorized and nothing executes.
type Sweeper struct {
	gw     *gateway.Gateway
	plans  *plan.Store
	keeper string

	running sync.Mutex
}

// NewSweeper creates a sweeper acting as keeper.
func NewSweeper(gw *gateway.Gateway, keeper string) *Sweeper {
	return &Sweeper{
		gw:     gw,
		plans:  gw.Engine().Plans(),
		keeper: keeper,
	}
}

// Sweep runs one pass. An overlapping call returns immediately with an
// empty result.
func (s *Sweeper) Sweep(ctx context.Context) (engine.BatchResult, error) {
	empty := engine.BatchResult{Executed: []engine.Receipt{}, Skipped: []engine.Skip{}}
	if !s.running.TryLock() {
		slog.Debug("sweep already running, skipping")
		return empty, nil
	}
	defer s.running.Unlock()

	ids := s.plans.DueIDs("", "")
	if len(ids) == 0 {
		return empty, nil
	}

	res, err := s.gw.TriggerBatch(ctx, s.keeper, ids)
	if err != nil {
		return res, err
	}

	slog.Info("sweep finished",
		"keeper", s.keeper,
		"due", len(ids),
		"executed", len(res.Executed),
		"skipped", len(res.Skipped),
	)
	return res, nil
}

// Job adapts Sweep to Runner.Add. Errors are logged, not returned.
func (s *Sweeper) Job() func(context.Context) {
	return func(ctx context.Context) {
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("sweep failed", "keeper", s.keeper, "error", err)
		}
	}
}
