package testutil

// DefaultFlowToken is the token handed out when a scenario names none.
const DefaultFlowToken = "flow-scenario"

// FixedFlowGenerator gives every deposit, batch and command the same flow
// token. Records from separate triggers then share one token, and a
// scenario's audit trail can be compared byte for byte with its golden
// file. It implements engine.FlowTokenGenerator and holds no mutable state.
type FixedFlowGenerator struct {
	token string
}

// NewFixedFlowGenerator pins token, or DefaultFlowToken when token is
// empty.
func NewFixedFlowGenerator(token string) *FixedFlowGenerator {
	if token == "" {
		token = DefaultFlowToken
	}
	return &FixedFlowGenerator{token: token}
}

// Generate returns the pinned token.
func (g *FixedFlowGenerator) Generate() string {
	return g.token
}
