// Package harness runs end-to-end ledger scenarios written in YAML.
//
// A scenario funds some holders, runs setup and flow steps through the same
// command dispatcher and trigger gateway the server uses, then checks the
// notifications that were emitted and the state that was left behind.
//
// # Scenario Format
//
//	name: daily_deposit
//	description: "A funded plan executes once per period"
//	flow_token: flow-1
//	ledger:
//	  agents: [keeper]
//	  trigger_cooldown: 5m
//	balances:
//	  - { holder: alice, asset: USDC, amount: "1000", approve: "1000" }
//	setup:
//	  - caller: alice
//	    action: create_plan
//	    params: { asset: USDC, amount: "100", frequency_seconds: 86400 }
//	flow:
//	  - advance: 24h
//	    caller: keeper
//	    action: trigger
//	    params: { plan_id: 1 }
//	    expect:
//	      result: { amount: "100" }
//	  - caller: keeper
//	    action: trigger
//	    params: { plan_id: 1 }
//	    expect: { error: RATE_LIMITED }
//	  - event:
//	      source_chain: base
//	      kind: approval_for_pool
//	      payload: { owner: alice, asset: USDC }
//	assertions:
//	  - type: notification_count
//	    kind: deposit_executed
//	    count: 1
//	  - type: plan_state
//	    plan_id: 1
//	    expect: { total_deposited: "100" }
//
// # Assertion Types
//
//   - notification_contains: some notification of kind matches fields
//   - notification_order: first occurrences of kinds appear in order
//   - notification_count: exactly count notifications of kind
//   - plan_state, portfolio, stats: subset match on the JSON form
//   - final_state: one row of an audit table (notifications, inbound_events)
//
// # Deterministic Testing
//
// The wall clock is a testutil.FakeClock starting at testutil.Epoch and
// moved only by a step's advance, and every flow gets the scenario's
// flow_token. Each run uses its own in-memory SQLite database, so traces are
// identical across runs and can be compared against golden files.
package harness
