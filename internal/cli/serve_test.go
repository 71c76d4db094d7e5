package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autodeposit/internal/api"
	"github.com/roach88/autodeposit/internal/config"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/store"
	"github.com/roach88/autodeposit/internal/testutil"
)

const serveSecret = "serve-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("", true)
	require.NoError(t, err)
	cfg.Server.JWTSecret = serveSecret
	cfg.Registry.Admin = "admin"
	cfg.Registry.Agents = []string{"keeper"}
	return cfg
}

func openMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type envelope struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data"`
	Meta    map[string]any `json:"meta"`
}

func do(t *testing.T, h http.Handler, method, path, caller string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		tok, _, err := api.JWT{Secret: []byte(serveSecret)}.Sign(caller)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestBuildService_CommandsOverHTTP(t *testing.T) {
	st := openMemoryStore(t)
	svc, err := buildService(context.Background(), testConfig(t), st, testutil.NewFixedFlowGenerator("serve-flow"))
	require.NoError(t, err)
	defer svc.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.emitter.Run(context.Background())
	}()
	defer func() {
		svc.emitter.Stop()
		<-done
	}()

	h := svc.api.Router()

	code, env := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodPost, "/v1/commands", "alice", map[string]any{
		"action": "create_plan",
		"params": map[string]any{"asset": "USDC", "amount": "100", "frequency_seconds": 86400},
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "serve-flow", env.Meta["flow"])
	created, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", created["owner"])
	assert.Equal(t, float64(1), created["id"])

	code, env = do(t, h, http.MethodGet, "/v1/plans/1", "", nil)
	require.Equal(t, http.StatusOK, code)
	got, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "100", got["deposit_amount"])

	// Nothing is due yet, and strangers may not trigger.
	code, env = do(t, h, http.MethodPost, "/v1/commands", "mallory", map[string]any{
		"action": "trigger",
		"params": map[string]any{"plan_id": 1},
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "UNAUTHORIZED", env.Meta["error_code"])

	code, env = do(t, h, http.MethodPost, "/v1/commands", "keeper", map[string]any{
		"action": "trigger",
		"params": map[string]any{"plan_id": 1},
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NOT_DUE", env.Meta["error_code"])

	// Records reach the audit log through the emitter's dispatcher.
	assert.Eventually(t, func() bool {
		recs, err := st.ReadRecords(context.Background(), store.Filter{})
		return err == nil && len(recs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	code, env = do(t, h, http.MethodGet, "/v1/notifications?kind=trigger_rejected", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), env.Meta["count"])
}

func TestBuildService_RejectsMissingToken(t *testing.T) {
	st := openMemoryStore(t)
	svc, err := buildService(context.Background(), testConfig(t), st, nil)
	require.NoError(t, err)
	defer svc.close()

	code, env := do(t, svc.api.Router(), http.MethodPost, "/v1/commands", "", map[string]any{"action": "stats"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing bearer token", env.Message)
}

func TestBuildService_ResumesSequence(t *testing.T) {
	st := openMemoryStore(t)
	require.NoError(t, st.WriteRecord(context.Background(), notify.Record{
		ID:        "previous-run",
		Seq:       41,
		Kind:      notify.KindAgentAuthorized,
		Caller:    "admin",
		Amount:    decimal.Zero,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	svc, err := buildService(context.Background(), testConfig(t), st, nil)
	require.NoError(t, err)
	defer svc.close()

	code, _ := do(t, svc.api.Router(), http.MethodPost, "/v1/commands", "bob", map[string]any{
		"action": "create_plan",
		"params": map[string]any{"asset": "USDC", "amount": "5", "frequency_seconds": 3600},
	})
	require.Equal(t, http.StatusOK, code)

	recs := svc.emitter.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].Seq)
	assert.Equal(t, notify.KindPlanCreated, recs[0].Kind)
}

func TestBuildService_BoundsInMemoryLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.LogLimit = 2
	st := openMemoryStore(t)
	svc, err := buildService(context.Background(), cfg, st, nil)
	require.NoError(t, err)
	defer svc.close()

	h := svc.api.Router()
	for i := 0; i < 5; i++ {
		code, env := do(t, h, http.MethodPost, "/v1/commands", "bob", map[string]any{
			"action": "create_plan",
			"params": map[string]any{"asset": "USDC", "amount": "5", "frequency_seconds": 3600},
		})
		require.Equal(t, http.StatusOK, code, env.Message)
	}

	recs := svc.emitter.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, int64(5), recs[1].Seq)
}

func TestBuildService_RegistersAgents(t *testing.T) {
	st := openMemoryStore(t)
	svc, err := buildService(context.Background(), testConfig(t), st, nil)
	require.NoError(t, err)
	defer svc.close()

	assert.True(t, svc.registry.IsAuthorized("keeper"))
	assert.Equal(t, "admin", svc.registry.Admin())
}

func TestBuildService_InvalidLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.MinDeposit = "0"

	_, err := buildService(context.Background(), cfg, openMemoryStore(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.min_deposit must be positive")
}
