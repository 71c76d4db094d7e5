package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autodeposit/internal/command"
	"github.com/roach88/autodeposit/internal/notify"
)

const minimalScenario = `
name: minimal
description: "One plan, one trigger"
flow:
  - caller: alice
    action: create_plan
    params: { asset: USDC, amount: "10", frequency_seconds: 3600 }
assertions:
  - type: notification_count
    kind: plan_created
    count: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, command.CreatePlan, s.Flow[0].Action)
	assert.Equal(t, "alice", s.Flow[0].Caller)
	assert.Equal(t, "USDC", s.Flow[0].Params["asset"])
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, notify.KindPlanCreated, s.Assertions[0].Kind)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			_, err := LoadScenario(f)
			require.NoError(t, err)
		})
	}
}

func TestParseScenario_Durations(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: durations
description: "Durations parse"
ledger:
  trigger_cooldown: 10m
flow:
  - advance: 24h
    caller: alice
    action: stats
assertions:
  - type: stats
    expect: { total_plans: 0 }
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, s.Ledger.TriggerCooldown)
	assert.Equal(t, 24*time.Hour, s.Flow[0].Advance)
}

func TestParseScenario_Event(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: event
description: "Event step"
flow:
  - event:
      id: evt-1
      source_chain: base
      kind: approval_for_pool
      payload: { owner: alice, asset: USDC }
    expect:
      result: { duplicate: false }
assertions:
  - type: notification_count
    kind: deposit_executed
    count: 0
`))
	require.NoError(t, err)

	ev := s.Flow[0].Event
	require.NotNil(t, ev)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "approval_for_pool", ev.Kind)
	assert.Equal(t, "alice", ev.Payload["owner"])
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: x\nflow: [{caller: a, action: stats}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: x\nflow: [{caller: a, action: stats}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "description is required",
		},
		{
			name:    "empty flow",
			yaml:    "name: x\ndescription: x\nflow: []\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "flow list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: stats}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: x\nassertion: []\nflow: [{caller: a, action: stats}]",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown action",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: launch}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: `unknown action "launch"`,
		},
		{
			name:    "action and event",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: stats, event: {kind: k}}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "mutually exclusive",
		},
		{
			name:    "neither action nor event",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "one of action or event is required",
		},
		{
			name:    "event without kind",
			yaml:    "name: x\ndescription: x\nflow: [{event: {source_chain: base}}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "event.kind is required",
		},
		{
			name:    "setup with expect",
			yaml:    "name: x\ndescription: x\nsetup: [{caller: a, action: stats, expect: {error: NOT_DUE}}]\nflow: [{caller: a, action: stats}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "setup steps cannot carry expect",
		},
		{
			name:    "balance without amount",
			yaml:    "name: x\ndescription: x\nbalances: [{holder: a, asset: USDC}]\nflow: [{caller: a, action: stats}]\nassertions: [{type: stats, expect: {owners: 0}}]",
			wantErr: "balances[0]",
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: stats}]\nassertions: [{type: trace_contains}]",
			wantErr: "unknown assertion type",
		},
		{
			name:    "count with unknown kind",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: stats}]\nassertions: [{type: notification_count, kind: nope, count: 1}]",
			wantErr: "requires a valid kind",
		},
		{
			name:    "order with one kind",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: stats}]\nassertions: [{type: notification_order, kinds: [plan_created]}]",
			wantErr: "at least 2 kinds",
		},
		{
			name:    "plan_state without plan",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: stats}]\nassertions: [{type: plan_state, expect: {status: active}}]",
			wantErr: "plan_state",
		},
		{
			name:    "final_state without table",
			yaml:    "name: x\ndescription: x\nflow: [{caller: a, action: stats}]\nassertions: [{type: final_state, expect: {kind: x}}]",
			wantErr: "final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
