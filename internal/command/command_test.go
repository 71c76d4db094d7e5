package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autodeposit/internal/fault"
)

func TestValidate_Accepts(t *testing.T) {
	v := MustValidator()

	tests := []struct {
		name string
		cmd  Command
	}{
		{"create_plan", Command{Action: CreatePlan, Params: map[string]any{
			"asset": "USDC", "amount": "100.50", "frequency_seconds": 86400, "label": "savings",
		}}},
		{"create_plan without label", Command{Action: CreatePlan, Params: map[string]any{
			"asset": "USDC", "amount": "100", "frequency_seconds": 3600,
		}}},
		{"pause_plan", Command{Action: PausePlan, Params: map[string]any{"plan_id": 1}}},
		{"trigger_batch", Command{Action: TriggerBatch, Params: map[string]any{"plan_ids": []any{1, 2, 3}}}},
		{"record_yield", Command{Action: RecordYield, Params: map[string]any{"plan_id": 4, "amount": "0.25"}}},
		{"authorize_agent", Command{Action: AuthorizeAgent, Params: map[string]any{"agent": "keeper"}}},
		{"list_plans no owner", Command{Action: ListPlans}},
		{"get_portfolio owner", Command{Action: GetPortfolio, Params: map[string]any{"owner": "alice"}}},
		{"stats", Command{Action: Stats, Params: map[string]any{}}},
		{"float from JSON decode", Command{Action: IsDue, Params: map[string]any{"plan_id": float64(2)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.cmd)
			assert.NoError(t, err)
		})
	}
}

func TestValidate_DecodesParams(t *testing.T) {
	v := MustValidator()

	p, err := v.Validate(Command{Action: CreatePlan, Params: map[string]any{
		"asset": "USDC", "amount": "100.50", "frequency_seconds": 86400,
	}})
	require.NoError(t, err)
	assert.Equal(t, "USDC", p.Asset)
	assert.Equal(t, "100.50", p.Amount)
	assert.Equal(t, int64(86400), p.FrequencySeconds)

	p, err = v.Validate(Command{Action: TriggerBatch, Params: map[string]any{"plan_ids": []any{3, 1}}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 1}, p.PlanIDs)
}

func TestValidate_Rejects(t *testing.T) {
	v := MustValidator()

	tests := []struct {
		name string
		cmd  Command
	}{
		{"unknown action", Command{Action: "transfer_all"}},
		{"missing plan_id", Command{Action: PausePlan}},
		{"zero plan_id", Command{Action: CancelPlan, Params: map[string]any{"plan_id": 0}}},
		{"plan_id as string", Command{Action: Trigger, Params: map[string]any{"plan_id": "1"}}},
		{"numeric amount", Command{Action: CreatePlan, Params: map[string]any{
			"asset": "USDC", "amount": 100, "frequency_seconds": 3600,
		}}},
		{"negative amount", Command{Action: RecordYield, Params: map[string]any{"plan_id": 1, "amount": "-5"}}},
		{"empty asset", Command{Action: CreatePlan, Params: map[string]any{
			"asset": "", "amount": "1", "frequency_seconds": 3600,
		}}},
		{"zero frequency", Command{Action: CreatePlan, Params: map[string]any{
			"asset": "USDC", "amount": "1", "frequency_seconds": 0,
		}}},
		{"fractional frequency", Command{Action: CreatePlan, Params: map[string]any{
			"asset": "USDC", "amount": "1", "frequency_seconds": 1.5,
		}}},
		{"empty batch", Command{Action: TriggerBatch, Params: map[string]any{"plan_ids": []any{}}}},
		{"unknown field", Command{Action: Stats, Params: map[string]any{"verbose": true}}},
		{"empty agent", Command{Action: RevokeAgent, Params: map[string]any{"agent": ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.cmd)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.InvalidParameter), "got %v", err)
		})
	}
}

func TestAction_Classification(t *testing.T) {
	assert.Len(t, Actions, 15)
	for _, a := range Actions {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, Action("nope").Valid())

	assert.True(t, GetPlan.ReadOnly())
	assert.True(t, Stats.ReadOnly())
	assert.False(t, Trigger.ReadOnly())
	assert.False(t, CreatePlan.ReadOnly())
}
