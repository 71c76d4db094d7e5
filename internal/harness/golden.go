package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/autodeposit/internal/ident"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	FlowToken    string       `json:"flow_token,omitempty"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to the map form that
// ident.MarshalCanonical accepts. Empty fields are omitted.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{"type": ev.Type}
		if ev.Type == TraceNotification && ev.Record != nil {
			m["record"] = ev.Record.canonical()
			traceList[i] = m
			continue
		}
		m["index"] = ev.Index
		putString(m, "caller", ev.Caller)
		putString(m, "action", ev.Action)
		putString(m, "event", ev.Event)
		putString(m, "outcome", ev.Outcome)
		traceList[i] = m
	}

	out := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
	putString(out, "flow_token", s.FlowToken)
	return out
}

func (r *TraceRecord) canonical() map[string]any {
	m := map[string]any{
		"seq":       r.Seq,
		"kind":      r.Kind,
		"amount":    r.Amount,
		"timestamp": r.Timestamp,
	}
	if r.PlanID != 0 {
		m["plan_id"] = r.PlanID
	}
	putString(m, "owner", r.Owner)
	putString(m, "caller", r.Caller)
	putString(m, "asset", r.Asset)
	putString(m, "reason", r.Reason)
	putString(m, "flow", r.Flow)
	return m
}

// CanonicalTrace returns the canonical JSON snapshot of a scenario run,
// byte-for-byte what golden files hold.
func CanonicalTrace(scenario *Scenario, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		FlowToken:    scenario.FlowToken,
		Trace:        result.Trace,
	}
	return ident.MarshalCanonical(snapshot.toCanonicalMap())
}

func putString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	traceJSON, err := CanonicalTrace(scenario, result)
	if err != nil {
		return nil, err
	}
	assertGoldenBytes(t, scenario.Name, traceJSON)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	return assertSnapshot(t, scenarioName, TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	})
}

func assertSnapshot(t *testing.T, name string, snapshot TraceSnapshot) error {
	t.Helper()

	traceJSON, err := ident.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}
	assertGoldenBytes(t, name, traceJSON)
	return nil
}

func assertGoldenBytes(t *testing.T, name string, traceJSON []byte) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, traceJSON)
}
