package registry

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsZeroed(t *testing.T) {
	r := New("admin", "yield")

	s := r.Stats()
	assert.Equal(t, uint64(1), s.NextPlanID)
	assert.Equal(t, uint64(0), s.TotalPlans)
	assert.True(t, s.TotalValue.IsZero())
	assert.Equal(t, 0, s.AgentCount)
	assert.Equal(t, "admin", s.Admin)
	assert.Equal(t, "yield", s.YieldSource)
}

func TestAllocatePlanID_Sequential(t *testing.T) {
	r := New("admin", "")

	assert.Equal(t, uint64(1), r.AllocatePlanID())
	assert.Equal(t, uint64(2), r.AllocatePlanID())
	assert.Equal(t, uint64(3), r.AllocatePlanID())
	assert.Equal(t, uint64(3), r.Stats().TotalPlans)
	assert.Equal(t, uint64(4), r.Stats().NextPlanID)
}

func TestAllocatePlanID_ConcurrentUnique(t *testing.T) {
	r := New("admin", "")

	const n = 200
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.AllocatePlanID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool, n)
	for id := range ids {
		require.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, uint64(n), r.Stats().TotalPlans)
}

func TestTVL_AddSub(t *testing.T) {
	r := New("admin", "")

	r.AddTVL(decimal.NewFromInt(100))
	r.AddTVL(decimal.RequireFromString("0.5"))
	r.SubTVL(decimal.NewFromInt(40))

	assert.Equal(t, "60.5", r.Stats().TotalValue.String())
}

func TestAuthorizeRevoke(t *testing.T) {
	r := New("admin", "")

	assert.False(t, r.IsAuthorized("keeper"))
	assert.True(t, r.Authorize("keeper"))
	assert.False(t, r.Authorize("keeper"), "second authorize is a no-op")
	assert.True(t, r.IsAuthorized("keeper"))

	r.Authorize("alpha")
	assert.Equal(t, []string{"alpha", "keeper"}, r.Agents())

	assert.True(t, r.Revoke("keeper"))
	assert.False(t, r.Revoke("keeper"))
	assert.False(t, r.IsAuthorized("keeper"))
	assert.Equal(t, 1, r.Stats().AgentCount)
}

func TestRoles(t *testing.T) {
	r := New("admin", "yield")

	assert.True(t, r.IsAdmin("admin"))
	assert.False(t, r.IsAdmin("yield"))
	assert.True(t, r.CanDistributeYield("admin"))
	assert.True(t, r.CanDistributeYield("yield"))
	assert.False(t, r.CanDistributeYield("mallory"))
	assert.False(t, r.CanDistributeYield(""))
}

func TestRoles_EmptyAdminNeverMatches(t *testing.T) {
	r := New("", "")

	assert.False(t, r.IsAdmin(""))
	assert.False(t, r.CanDistributeYield(""))
}
