package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
	"github.com/roach88/autodeposit/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			switch ev.Type {
			case TraceNotification:
				fmt.Fprintf(&buf, "  [%d] #%d %s plan=%d amount=%s\n",
					i+1, ev.Record.Seq, ev.Record.Kind, ev.Record.PlanID, ev.Record.Amount)
			default:
				name := ev.Action
				if ev.Event != "" {
					name = "event " + ev.Event
				}
				fmt.Fprintf(&buf, "  [%d] %s %s by %q: %s\n", i+1, ev.Type, name, ev.Caller, ev.Outcome)
			}
		}
	}

	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store   *store.Store
	Plans   *plan.Store
	Records []notify.Record
	Ctx     context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertNotificationContains:
			err = assertNotificationContains(result.Trace, assertion)
		case AssertNotificationOrder:
			err = assertNotificationOrder(result.Trace, assertion)
		case AssertNotificationCount:
			err = assertNotificationCount(result.Trace, assertion)
		case AssertPlanState, AssertPortfolio, AssertStats:
			if actx == nil || actx.Plans == nil {
				err = fmt.Errorf("assertion[%d]: %s requires plan store context", i, assertion.Type)
			} else {
				err = assertLedgerState(actx.Plans, assertion)
			}
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func notifications(trace []TraceEvent) []*TraceRecord {
	var out []*TraceRecord
	for _, ev := range trace {
		if ev.Type == TraceNotification && ev.Record != nil {
			out = append(out, ev.Record)
		}
	}
	return out
}

// assertNotificationContains checks that some notification of the given kind
// matches every listed field.
func assertNotificationContains(trace []TraceEvent, a Assertion) error {
	for _, rec := range notifications(trace) {
		if rec.Kind != string(a.Kind) {
			continue
		}
		if matchJSON(rec, a.Fields) == "" {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertNotificationContains,
		Expected: fmt.Sprintf("%s notification with fields %v", a.Kind, a.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertNotificationOrder checks that the first occurrence of each kind
// appears in the listed order. Other notifications may intervene.
func assertNotificationOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[notify.Kind]int)
	for i, rec := range notifications(trace) {
		k := notify.Kind(rec.Kind)
		if positions[k] == 0 {
			positions[k] = i + 1
		}
	}

	for _, k := range a.Kinds {
		if positions[k] == 0 {
			return &AssertionError{
				Type:     AssertNotificationOrder,
				Expected: fmt.Sprintf("all kinds present: %v", a.Kinds),
				Actual:   fmt.Sprintf("missing kind: %s", k),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Kinds); i++ {
		prev, curr := a.Kinds[i-1], a.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertNotificationOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertNotificationCount checks the exact number of notifications of a kind.
func assertNotificationCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, rec := range notifications(trace) {
		if rec.Kind == string(a.Kind) {
			count++
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d %s notifications", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d notifications", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertLedgerState checks a plan, portfolio or the global stats against a
// subset of their JSON form.
func assertLedgerState(plans *plan.Store, a Assertion) error {
	var (
		subject string
		actual  any
	)
	switch a.Type {
	case AssertPlanState:
		p, err := plans.Get(a.PlanID)
		if err != nil {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("plan %d to exist", a.PlanID),
				Actual:   err.Error(),
			}
		}
		subject, actual = fmt.Sprintf("plan %d", a.PlanID), p
	case AssertPortfolio:
		subject, actual = "portfolio of "+a.Owner, plans.Portfolio(a.Owner)
	case AssertStats:
		subject, actual = "stats", plans.Stats()
	}

	if msg := matchJSON(actual, a.Expect); msg != "" {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s matching %v", subject, a.Expect),
			Actual:   msg,
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of an audit table matches
// Where and that it carries the expected column values.
//
// Table and column names are validated against validIdentifier; values are
// always bound as parameters.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	if a.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	row := make(map[string]any, len(columns))
	for i, col := range columns {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
		} else {
			row[col] = values[i]
		}
	}

	keys := sortedKeys(a.Expect)
	for _, key := range keys {
		actual, ok := row[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !scalarEqual(a.Expect[key], actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", key, a.Expect[key]),
				Actual:   fmt.Sprintf("field %q = %v", key, actual),
			}
		}
	}

	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, uint64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchJSON reports how actual fails to contain expected, or "" on a match.
//
// Both sides are normalized through JSON first, so structs are compared by
// their wire form. Objects match as subsets; arrays must have the same
// length and match element-wise.
func matchJSON(actual any, expected map[string]any) string {
	if len(expected) == 0 {
		return ""
	}
	a, err := normalize(actual)
	if err != nil {
		return fmt.Sprintf("encode actual: %v", err)
	}
	e, err := normalize(expected)
	if err != nil {
		return fmt.Sprintf("encode expected: %v", err)
	}
	return subsetMismatch("$", a, e)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func subsetMismatch(path string, actual, expected any) string {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return fmt.Sprintf("%s: expected object, got %v", path, actual)
		}
		for _, k := range sortedKeys(exp) {
			v, ok := act[k]
			if !ok {
				return fmt.Sprintf("%s.%s: missing", path, k)
			}
			if msg := subsetMismatch(path+"."+k, v, exp[k]); msg != "" {
				return msg
			}
		}
		return ""
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return fmt.Sprintf("%s: expected array, got %v", path, actual)
		}
		if len(act) != len(exp) {
			return fmt.Sprintf("%s: expected %d elements, got %d", path, len(exp), len(act))
		}
		for i := range exp {
			if msg := subsetMismatch(fmt.Sprintf("%s[%d]", path, i), act[i], exp[i]); msg != "" {
				return msg
			}
		}
		return ""
	default:
		if !scalarEqual(expected, actual) {
			return fmt.Sprintf("%s: expected %v, got %v", path, expected, actual)
		}
		return ""
	}
}

// scalarEqual compares scalars by their printed form, so 100 matches the
// decimal string "100" and SQLite's integer 1 matches true.
func scalarEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := expected.(bool); ok {
		if n, ok := actual.(int64); ok {
			return b == (n != 0)
		}
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}
