package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/notify"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestRecord creates a record with minimal required fields.
func createTestRecord(id string, seq int64, kind notify.Kind, planID uint64, owner, flow string) notify.Record {
	return notify.Record{
		ID:        id,
		Seq:       seq,
		Kind:      kind,
		PlanID:    planID,
		Owner:     owner,
		Asset:     "USDC",
		Amount:    decimal.NewFromInt(100),
		Flow:      flow,
		Timestamp: testEpoch.Add(time.Duration(seq) * time.Second),
	}
}
