package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/funds"
	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/plan"
	"github.com/roach88/autodeposit/internal/registry"
	"github.com/roach88/autodeposit/internal/testutil"
)

type fixture struct {
	clock *testutil.FakeClock
	reg   *registry.Registry
	plans *plan.Store
	gw    *gateway.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := testutil.NewFakeClock()
	reg := registry.New("admin", "")
	plans := plan.NewStore(reg, fc)
	ledger := funds.NewMemory()
	for _, owner := range []string{"alice", "bob"} {
		ledger.Mint("USDC", owner, decimal.NewFromInt(1000))
		ledger.Approve("USDC", owner, engine.DefaultPool, decimal.NewFromInt(1000))
	}
	eng := engine.New(plans, ledger)
	gw := gateway.New(gateway.Config{SourceChain: "base", Asset: "USDC"}, reg, eng)
	return &fixture{clock: fc, reg: reg, plans: plans, gw: gw}
}

func (f *fixture) create(t *testing.T, owner string, freq time.Duration) {
	t.Helper()
	_, err := f.plans.Create(context.Background(), owner, "USDC", decimal.NewFromInt(10), freq, "")
	require.NoError(t, err)
}

func TestSweep_ExecutesOnlyDuePlans(t *testing.T) {
	f := newFixture(t)
	f.reg.Authorize("keeper")
	f.create(t, "alice", time.Hour)
	f.create(t, "bob", 24*time.Hour)
	f.create(t, "alice", 2*time.Hour)

	f.clock.Advance(time.Hour)

	res, err := NewSweeper(f.gw, "keeper").Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res.ExecutedIDs())
	assert.Empty(t, res.Skipped)

	p, err := f.plans.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "10", p.TotalDeposited.String())
}

func TestSweep_NothingDue(t *testing.T) {
	f := newFixture(t)
	f.reg.Authorize("keeper")
	f.create(t, "alice", time.Hour)

	res, err := NewSweeper(f.gw, "keeper").Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Executed)
	assert.NotNil(t, res.Skipped)
}

func TestSweep_UnauthorizedKeeper(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alice", time.Hour)
	f.clock.Advance(time.Hour)

	_, err := NewSweeper(f.gw, "keeper").Sweep(context.Background())
	assert.True(t, fault.Is(err, fault.Unauthorized))

	p, err := f.plans.Get(1)
	require.NoError(t, err)
	assert.True(t, p.TotalDeposited.IsZero())
}

func TestSweep_SecondPassInsideCooldownSkipsNothingDue(t *testing.T) {
	f := newFixture(t)
	f.reg.Authorize("keeper")
	f.create(t, "alice", time.Hour)
	f.clock.Advance(time.Hour)

	s := NewSweeper(f.gw, "keeper")
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Executed, "plan is no longer due after executing")
}

func TestRunner_RunsJobs(t *testing.T) {
	r := New(context.Background())

	var calls atomic.Int32
	_, err := r.Add("* * * * * *", func(context.Context) { calls.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, r.Entries())

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	r := New(nil)

	_, err := r.Add("not a spec", func(context.Context) {})
	assert.Error(t, err)
}

func TestRunner_CanceledBaseContextSkipsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(ctx)

	var calls atomic.Int32
	_, err := r.Add("* * * * * *", func(context.Context) { calls.Add(1) })
	require.NoError(t, err)

	r.Start()
	time.Sleep(1200 * time.Millisecond)
	r.Stop()

	assert.Equal(t, int32(0), calls.Load())
}
