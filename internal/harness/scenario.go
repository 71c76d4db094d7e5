package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/autodeposit/internal/command"
	"github.com/roach88/autodeposit/internal/notify"
)

// Scenario defines a conformance test scenario.
// A scenario stands up a fresh ledger, funds the listed holders, runs setup
// and flow steps through the command dispatcher and the event intake, and
// then checks notifications and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Ledger overrides the default ledger configuration.
	Ledger LedgerSetup `yaml:"ledger,omitempty"`

	// Balances are minted (and optionally approved to the pool) before setup.
	Balances []Balance `yaml:"balances,omitempty"`

	// Setup steps establish initial state and must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the steps under test, each with an optional expectation.
	Flow []Step `yaml:"flow"`

	// Assertions validate emitted notifications and final state.
	Assertions []Assertion `yaml:"assertions"`

	// FlowToken pins the correlation token stamped on every record.
	// Defaults to testutil.DefaultFlowToken.
	FlowToken string `yaml:"flow_token,omitempty"`
}

// LedgerSetup configures the ledger under test. Zero values take the
// service defaults.
type LedgerSetup struct {
	Admin           string        `yaml:"admin,omitempty"`
	YieldSource     string        `yaml:"yield_source,omitempty"`
	Agents          []string      `yaml:"agents,omitempty"`
	TriggerCooldown time.Duration `yaml:"trigger_cooldown,omitempty"`
	SourceChain     string        `yaml:"source_chain,omitempty"`
	Asset           string        `yaml:"asset,omitempty"`
	// FailTransfersFrom makes every pull from these holders fail.
	FailTransfersFrom []string `yaml:"fail_transfers_from,omitempty"`
}

// Balance funds a holder in the in-memory funds ledger.
type Balance struct {
	Holder  string `yaml:"holder"`
	Asset   string `yaml:"asset"`
	Amount  string `yaml:"amount"`
	Approve string `yaml:"approve,omitempty"`
}

// Step is one command or one external event.
type Step struct {
	// Advance moves the wall clock forward before the step runs.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Caller is the identity the command runs as.
	Caller string `yaml:"caller,omitempty"`

	// Action names a structured command. Exactly one of Action and Event
	// is set.
	Action command.Action `yaml:"action,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`

	// Event is an external event delivered to the gateway.
	Event *EventStep `yaml:"event,omitempty"`

	// Expect specifies the expected outcome. Nil means the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EventStep is the YAML form of an external event.
type EventStep struct {
	ID             string         `yaml:"id,omitempty"`
	SourceChain    string         `yaml:"source_chain"`
	SourceContract string         `yaml:"source_contract,omitempty"`
	Kind           string         `yaml:"kind"`
	Payload        map[string]any `yaml:"payload"`
}

// ExpectClause specifies the expected step outcome.
type ExpectClause struct {
	// Error is the expected error code (e.g. NOT_DUE). Empty means success.
	Error string `yaml:"error,omitempty"`

	// Result is a subset match against the JSON form of the step result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates notifications or final state.
type Assertion struct {
	// Type specifies the assertion type, one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind is the notification kind (notification_contains, notification_count).
	Kind notify.Kind `yaml:"kind,omitempty"`

	// Fields is a subset match against a notification (notification_contains).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Count is the expected number of notifications (notification_count).
	Count int `yaml:"count,omitempty"`

	// Kinds is the expected first-occurrence order (notification_order).
	Kinds []notify.Kind `yaml:"kinds,omitempty"`

	// PlanID selects the plan (plan_state).
	PlanID uint64 `yaml:"plan_id,omitempty"`

	// Owner selects the portfolio (portfolio).
	Owner string `yaml:"owner,omitempty"`

	// Table and Where select one audit log row (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset match against the selected state.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertNotificationContains = "notification_contains"
	AssertNotificationOrder    = "notification_order"
	AssertNotificationCount    = "notification_count"
	AssertPlanState            = "plan_state"
	AssertPortfolio            = "portfolio"
	AssertStats                = "stats"
	AssertFinalState           = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, b := range s.Balances {
		if b.Holder == "" || b.Asset == "" || b.Amount == "" {
			return fmt.Errorf("balances[%d]: holder, asset and amount are required", i)
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot carry expect", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(step Step) error {
	switch {
	case step.Action == "" && step.Event == nil:
		return fmt.Errorf("one of action or event is required")
	case step.Action != "" && step.Event != nil:
		return fmt.Errorf("action and event are mutually exclusive")
	case step.Action != "" && !step.Action.Valid():
		return fmt.Errorf("unknown action %q", step.Action)
	case step.Event != nil && step.Event.Kind == "":
		return fmt.Errorf("event.kind is required")
	case step.Advance < 0:
		return fmt.Errorf("advance cannot be negative")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertNotificationContains:
		if !a.Kind.Valid() {
			return fmt.Errorf("assertions[%d]: notification_contains requires a valid kind", index)
		}
	case AssertNotificationCount:
		if !a.Kind.Valid() {
			return fmt.Errorf("assertions[%d]: notification_count requires a valid kind", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: notification_count requires count >= 0", index)
		}
	case AssertNotificationOrder:
		if len(a.Kinds) < 2 {
			return fmt.Errorf("assertions[%d]: notification_order requires at least 2 kinds", index)
		}
	case AssertPlanState:
		if a.PlanID == 0 || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: plan_state requires plan_id and expect", index)
		}
	case AssertPortfolio:
		if a.Owner == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: portfolio requires owner and expect", index)
		}
	case AssertStats:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: stats requires expect", index)
		}
	case AssertFinalState:
		if a.Table == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: final_state requires table and expect", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
