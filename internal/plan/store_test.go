package plan

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/registry"
	"github.com/roach88/autodeposit/internal/testutil"
)

const day = 24 * time.Hour

func newTestStore(t *testing.T) (*Store, *testutil.FakeClock, *notify.Emitter) {
	t.Helper()
	fc := testutil.NewFakeClock()
	em := notify.NewEmitter(fc)
	reg := registry.New("admin", "yield")
	return NewStore(reg, fc, WithNotifier(em)), fc, em
}

func hundred() decimal.Decimal { return decimal.NewFromInt(100) }

func mustCreate(t *testing.T, s *Store, owner string) Plan {
	t.Helper()
	p, err := s.Create(context.Background(), owner, "USDC", hundred(), day, "daily")
	require.NoError(t, err)
	return p
}

// requireActiveCountConsistent checks that every owner's activeCount equals
// the number of their plans that are active.
func requireActiveCountConsistent(t *testing.T, s *Store, owners ...string) {
	t.Helper()
	for _, owner := range owners {
		want := 0
		for _, p := range s.ListByOwner(owner) {
			if p.Active() {
				want++
			}
		}
		require.Equal(t, want, s.Portfolio(owner).ActiveCount, "owner %s", owner)
	}
}

func TestCreate_AssignsSequentialIDs(t *testing.T) {
	s, fc, em := newTestStore(t)

	p1 := mustCreate(t, s, "alice")
	p2 := mustCreate(t, s, "bob")

	assert.Equal(t, uint64(1), p1.ID)
	assert.Equal(t, uint64(2), p2.ID)
	assert.Equal(t, StatusActive, p1.Status)
	assert.Equal(t, fc.Now(), p1.LastExecution)
	assert.Equal(t, fc.Now(), p1.CreatedAt)
	assert.True(t, p1.TotalDeposited.IsZero())

	pf := s.Portfolio("alice")
	assert.Equal(t, 1, pf.ActiveCount)
	assert.Equal(t, []uint64{1}, pf.Plans)
	assert.True(t, s.IsMember("alice", 1))
	assert.False(t, s.IsMember("alice", 2))

	assert.Equal(t, uint64(2), s.Stats().TotalPlans)
	assert.Equal(t, 2, em.Count(notify.KindPlanCreated))
}

func TestCreate_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		owner  string
		asset  string
		amount decimal.Decimal
		freq   time.Duration
	}{
		{"empty owner", "", "USDC", hundred(), day},
		{"empty asset", "alice", "", hundred(), day},
		{"amount below minimum", "alice", "USDC", decimal.RequireFromString("0.5"), day},
		{"zero amount", "alice", "USDC", decimal.Zero, day},
		{"negative amount", "alice", "USDC", decimal.NewFromInt(-5), day},
		{"frequency too short", "alice", "USDC", hundred(), 59 * time.Minute},
		{"frequency too long", "alice", "USDC", hundred(), 366 * day},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, em := newTestStore(t)

			_, err := s.Create(context.Background(), tt.owner, tt.asset, tt.amount, tt.freq, "")
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.InvalidParameter), err)

			assert.Equal(t, uint64(0), s.Stats().TotalPlans, "no id consumed")
			assert.Empty(t, em.Records())
		})
	}
}

func TestCreate_BoundaryValuesAccepted(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "alice", "USDC", decimal.NewFromInt(1), time.Hour, "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "alice", "USDC", decimal.NewFromInt(1), 365*day, "")
	require.NoError(t, err)
}

func TestCreate_CustomLimits(t *testing.T) {
	fc := testutil.NewFakeClock()
	s := NewStore(registry.New("admin", ""), fc, WithLimits(Limits{
		MinDeposit:   decimal.NewFromInt(50),
		MinFrequency: time.Minute,
		MaxFrequency: time.Hour,
	}))

	_, err := s.Create(context.Background(), "alice", "USDC", decimal.NewFromInt(49), time.Minute, "")
	assert.True(t, fault.Is(err, fault.InvalidParameter))

	_, err = s.Create(context.Background(), "alice", "USDC", decimal.NewFromInt(50), time.Minute, "")
	assert.NoError(t, err)
}

func TestIsDue_EndToEndDaily(t *testing.T) {
	s, fc, _ := newTestStore(t)
	p := mustCreate(t, s, "alice")

	due, err := s.IsDue(p.ID)
	require.NoError(t, err)
	assert.False(t, due, "not due immediately after creation")

	fc.Advance(day - time.Second)
	due, _ = s.IsDue(p.ID)
	assert.False(t, due)

	fc.Advance(time.Second)
	due, _ = s.IsDue(p.ID)
	assert.True(t, due, "due exactly one frequency after creation")
}

func TestIsDue_UnknownPlan(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.IsDue(99)
	assert.True(t, fault.Is(err, fault.PlanNotFound))
}

func TestSetActive_PauseResume(t *testing.T) {
	s, _, em := newTestStore(t)
	ctx := context.Background()
	p := mustCreate(t, s, "alice")

	paused, err := s.SetActive(ctx, "alice", p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, 0, s.Portfolio("alice").ActiveCount)
	assert.True(t, s.IsMember("alice", p.ID), "paused plans stay in the portfolio")

	resumed, err := s.SetActive(ctx, "alice", p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Equal(t, 1, s.Portfolio("alice").ActiveCount)

	assert.Equal(t, 1, em.Count(notify.KindPlanPaused))
	assert.Equal(t, 1, em.Count(notify.KindPlanResumed))
}

func TestSetActive_ResumeResetsDueClock(t *testing.T) {
	s, fc, _ := newTestStore(t)
	ctx := context.Background()
	p := mustCreate(t, s, "alice")

	_, err := s.SetActive(ctx, "alice", p.ID, false)
	require.NoError(t, err)

	fc.Advance(10 * day)
	due, _ := s.IsDue(p.ID)
	assert.False(t, due, "paused plans are never due")

	resumed, err := s.SetActive(ctx, "alice", p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, fc.Now(), resumed.LastExecution)

	due, _ = s.IsDue(p.ID)
	assert.False(t, due, "resume restarts the cycle")

	fc.Advance(day - time.Second)
	due, _ = s.IsDue(p.ID)
	assert.False(t, due)

	fc.Advance(time.Second)
	due, _ = s.IsDue(p.ID)
	assert.True(t, due)
}

func TestSetActive_Errors(t *testing.T) {
	s, _, em := newTestStore(t)
	ctx := context.Background()
	p := mustCreate(t, s, "alice")
	before := len(em.Records())

	_, err := s.SetActive(ctx, "mallory", p.ID, false)
	assert.True(t, fault.Is(err, fault.NotOwner))

	_, err = s.SetActive(ctx, "alice", p.ID, true)
	assert.True(t, fault.Is(err, fault.NoOp), "already active")

	_, err = s.SetActive(ctx, "alice", 42, false)
	assert.True(t, fault.Is(err, fault.PlanNotFound))

	assert.Len(t, em.Records(), before, "rejections emit nothing from the store")
	got, _ := s.Get(p.ID)
	assert.Equal(t, StatusActive, got.Status)
}

func TestCancel(t *testing.T) {
	s, _, em := newTestStore(t)
	ctx := context.Background()
	p := mustCreate(t, s, "alice")

	_, err := s.Cancel(ctx, "mallory", p.ID)
	assert.True(t, fault.Is(err, fault.NotOwner))

	cancelled, err := s.Cancel(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, s.Portfolio("alice").ActiveCount)
	assert.False(t, s.IsMember("alice", p.ID))
	assert.Equal(t, []uint64{p.ID}, s.Portfolio("alice").Plans, "record kept for history")

	_, err = s.Cancel(ctx, "alice", p.ID)
	assert.True(t, fault.Is(err, fault.NoOp))
	assert.Equal(t, 0, s.Portfolio("alice").ActiveCount, "second cancel does not decrement again")

	_, err = s.SetActive(ctx, "alice", p.ID, true)
	assert.True(t, fault.Is(err, fault.Terminal), "cancelled plans cannot be resumed")

	_, err = s.SetActive(ctx, "alice", p.ID, false)
	assert.True(t, fault.Is(err, fault.NoOp))

	assert.Equal(t, 1, em.Count(notify.KindPlanCancelled))
}

func TestCancel_PausedPlanDoesNotDecrement(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	p1 := mustCreate(t, s, "alice")
	mustCreate(t, s, "alice")

	_, err := s.SetActive(ctx, "alice", p1.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Portfolio("alice").ActiveCount)

	_, err = s.Cancel(ctx, "alice", p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Portfolio("alice").ActiveCount)
}

func TestRecordYield(t *testing.T) {
	s, _, em := newTestStore(t)
	ctx := context.Background()
	p := mustCreate(t, s, "alice")

	_, err := s.RecordYield(ctx, "mallory", p.ID, decimal.NewFromInt(5))
	assert.True(t, fault.Is(err, fault.Unauthorized))

	_, err = s.RecordYield(ctx, "alice", p.ID, decimal.NewFromInt(5))
	assert.True(t, fault.Is(err, fault.Unauthorized), "owners cannot credit themselves")

	_, err = s.RecordYield(ctx, "yield", p.ID, decimal.Zero)
	assert.True(t, fault.Is(err, fault.InvalidParameter))

	got, err := s.RecordYield(ctx, "yield", p.ID, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, "5", got.TotalYieldEarned.String())

	_, err = s.RecordYield(ctx, "admin", p.ID, decimal.RequireFromString("2.5"))
	require.NoError(t, err)
	assert.Equal(t, "7.5", s.Portfolio("alice").TotalYield.String())

	assert.Equal(t, 2, em.Count(notify.KindYieldDistributed))
}

func TestExec_RecordDeposit(t *testing.T) {
	s, fc, _ := newTestStore(t)
	p := mustCreate(t, s, "alice")
	fc.Advance(day)

	err := s.Exec(context.Background(), p.ID, func(tx *Tx) error {
		require.True(t, tx.IsDue())
		_, err := tx.RecordDeposit(p.DepositAmount)
		return err
	})
	require.NoError(t, err)

	got, _ := s.Get(p.ID)
	assert.Equal(t, "100", got.TotalDeposited.String())
	assert.Equal(t, fc.Now(), got.LastExecution)
	assert.Equal(t, "100", s.Portfolio("alice").TotalInvested.String())
	assert.Equal(t, "100", s.Stats().TotalValue.String())

	due, _ := s.IsDue(p.ID)
	assert.False(t, due)
}

func TestExec_TxUnusableAfterReturn(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := mustCreate(t, s, "alice")

	var leaked *Tx
	require.NoError(t, s.Exec(context.Background(), p.ID, func(tx *Tx) error {
		leaked = tx
		return nil
	}))

	_, err := leaked.RecordDeposit(hundred())
	assert.ErrorIs(t, err, errTxDone)
}

func TestExec_MarkWithdrawn(t *testing.T) {
	s, fc, _ := newTestStore(t)
	ctx := context.Background()
	p := mustCreate(t, s, "alice")
	fc.Advance(day)

	require.NoError(t, s.Exec(ctx, p.ID, func(tx *Tx) error {
		_, err := tx.RecordDeposit(hundred())
		return err
	}))

	require.NoError(t, s.Exec(ctx, p.ID, func(tx *Tx) error {
		_, err := tx.MarkWithdrawn(tx.Plan().TotalDeposited)
		return err
	}))

	got, _ := s.Get(p.ID)
	assert.Equal(t, StatusEmergencyWithdrawn, got.Status)
	assert.Equal(t, "100", got.TotalDeposited.String(), "history kept")
	assert.True(t, s.Stats().TotalValue.IsZero())
	assert.Equal(t, 0, s.Portfolio("alice").ActiveCount)
	assert.False(t, s.IsMember("alice", p.ID))

	err := s.Exec(ctx, p.ID, func(tx *Tx) error {
		_, err := tx.MarkWithdrawn(decimal.Zero)
		return err
	})
	assert.True(t, fault.Is(err, fault.Terminal))

	_, err = s.SetActive(ctx, "alice", p.ID, true)
	assert.True(t, fault.Is(err, fault.Terminal))
}

func TestExec_SerializesSamePlan(t *testing.T) {
	s, fc, _ := newTestStore(t)
	p := mustCreate(t, s, "alice")
	fc.Advance(day)

	var wg sync.WaitGroup
	var mu sync.Mutex
	deposits := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Exec(context.Background(), p.ID, func(tx *Tx) error {
				if !tx.IsDue() {
					return nil
				}
				time.Sleep(time.Millisecond)
				if _, err := tx.RecordDeposit(hundred()); err != nil {
					return err
				}
				mu.Lock()
				deposits++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, deposits, "at most one deposit per due interval")
	got, _ := s.Get(p.ID)
	assert.Equal(t, "100", got.TotalDeposited.String())
}

func TestExec_ReadersDoNotBlockOnExec(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := mustCreate(t, s, "alice")

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Exec(context.Background(), p.ID, func(tx *Tx) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	done := make(chan struct{})
	go func() {
		_, _ = s.Get(p.ID)
		_ = s.Portfolio("alice")
		_ = s.Stats()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reads blocked behind an in-flight Exec")
	}
	close(release)
}

// TestStateMachine_RandomOperations drives random lifecycle calls and checks
// that every plan stays in a known state, never leaves a terminal state and
// that activeCount always matches.
func TestStateMachine_RandomOperations(t *testing.T) {
	s, fc, _ := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	owners := []string{"alice", "bob", "carol"}

	terminal := make(map[uint64]Status)

	for step := 0; step < 500; step++ {
		owner := owners[rng.Intn(len(owners))]
		all := s.All()

		switch op := rng.Intn(6); {
		case op == 0 || len(all) == 0:
			mustCreate(t, s, owner)
		default:
			p := all[rng.Intn(len(all))]
			caller := p.Owner
			if rng.Intn(5) == 0 {
				caller = owner
			}
			switch op {
			case 1:
				_, _ = s.SetActive(ctx, caller, p.ID, false)
			case 2:
				_, _ = s.SetActive(ctx, caller, p.ID, true)
			case 3:
				_, _ = s.Cancel(ctx, caller, p.ID)
			case 4:
				_ = s.Exec(ctx, p.ID, func(tx *Tx) error {
					_, err := tx.MarkWithdrawn(tx.Plan().TotalDeposited)
					return err
				})
			case 5:
				fc.Advance(time.Duration(rng.Intn(48)) * time.Hour)
			}
		}

		for _, p := range s.All() {
			require.True(t, p.Status.Valid())
			if prev, ok := terminal[p.ID]; ok {
				require.Equal(t, prev, p.Status, "plan %d left terminal state", p.ID)
			}
			if p.Status.Terminal() {
				terminal[p.ID] = p.Status
			}
		}
		requireActiveCountConsistent(t, s, owners...)
	}
}

func TestDueIDs(t *testing.T) {
	s, fc, _ := newTestStore(t)
	ctx := context.Background()

	a1 := mustCreate(t, s, "alice")
	_, err := s.Create(ctx, "alice", "DAI", hundred(), day, "")
	require.NoError(t, err)
	b1 := mustCreate(t, s, "bob")
	a3 := mustCreate(t, s, "alice")
	_, err = s.SetActive(ctx, "alice", a3.ID, false)
	require.NoError(t, err)

	assert.Empty(t, s.DueIDs("", ""))

	fc.Advance(day)
	assert.Equal(t, []uint64{a1.ID, 2, b1.ID}, s.DueIDs("", ""))
	assert.Equal(t, []uint64{a1.ID}, s.DueIDs("alice", "USDC"))
	assert.Equal(t, []uint64{a1.ID, b1.ID}, s.DueIDs("", "USDC"))
}

func TestListByOwner_UnknownOwner(t *testing.T) {
	s, _, _ := newTestStore(t)

	assert.Empty(t, s.ListByOwner("nobody"))
	pf := s.Portfolio("nobody")
	assert.Equal(t, 0, pf.ActiveCount)
	assert.True(t, pf.TotalInvested.IsZero())
}

func TestPlan_MarshalJSON(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := mustCreate(t, s, "alice")

	b, err := json.Marshal(p)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, float64(86400), got["frequency_seconds"])
	assert.Equal(t, "100", got["deposit_amount"])
	assert.Equal(t, "active", got["status"])
	assert.Equal(t, true, got["active"])
	assert.Equal(t, "2026-01-02T00:00:00Z", got["next_due"])
	assert.NotContains(t, got, "pending_forward")
	assert.NotContains(t, got, "returned")
}

func TestExec_ForwardAndReturnBookkeeping(t *testing.T) {
	s, fc, _ := newTestStore(t)
	p := mustCreate(t, s, "alice")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		fc.Advance(day)
		require.NoError(t, s.Exec(ctx, p.ID, func(tx *Tx) error {
			_, err := tx.RecordDeposit(hundred())
			return err
		}))
	}
	got, _ := s.Get(p.ID)
	assert.Equal(t, "200", got.Unforwarded.String())

	require.NoError(t, s.Exec(ctx, p.ID, func(tx *Tx) error {
		_, err := tx.MarkForwarded(hundred())
		return err
	}))

	err := s.Exec(ctx, p.ID, func(tx *Tx) error {
		_, err := tx.ReturnUnforwarded(decimal.NewFromInt(150))
		return err
	})
	assert.True(t, fault.Is(err, fault.InvalidParameter))

	require.NoError(t, s.Exec(ctx, p.ID, func(tx *Tx) error {
		_, err := tx.ReturnUnforwarded(hundred())
		return err
	}))

	got, _ = s.Get(p.ID)
	assert.True(t, got.Unforwarded.IsZero())
	assert.Equal(t, "100", got.Returned.String())
	assert.Equal(t, "100", got.Owed().String())
	assert.Equal(t, "200", got.TotalDeposited.String(), "history kept")
	assert.Equal(t, "100", s.Stats().TotalValue.String())

	b, err := json.Marshal(got)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "100", m["returned"])
	assert.NotContains(t, m, "pending_forward")
}
