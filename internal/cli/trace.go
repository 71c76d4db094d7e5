package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Flow     string
	PlanID   uint64
	Owner    string
	Kind     string
	After    int64
	Limit    int
}

// TraceEntry is a single record in the trace timeline.
type TraceEntry struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	PlanID    uint64 `json:"plan_id,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	Flow      string `json:"flow,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Flow     string       `json:"flow,omitempty"`
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats summarizes the matched records.
type TraceStats struct {
	TotalRecords int            `json:"total_records"`
	ByKind       map[string]int `json:"by_kind"`
	Deposited    string         `json:"deposited"`
	Rejections   int            `json:"rejections"`
	Flows        int            `json:"flows"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect the notification audit log",
		Long: `Read notification records from the SQLite audit log.

Records are listed in sequence order. Filters combine: a record must
match every filter that is set.

Examples:
  autodeposit trace --db ./autodeposit.db --flow 0192b7c4-...
  autodeposit trace --db ./autodeposit.db --plan 3 --kind deposit_executed
  autodeposit trace --db ./autodeposit.db --owner alice --after 120 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Flow, "flow", "", "only records of this flow")
	cmd.Flags().Uint64Var(&opts.PlanID, "plan", 0, "only records of this plan id")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "only records of this owner")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only records of this kind")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only records with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(opts.RootOptions, cmd)

	if opts.Kind != "" && !notify.Kind(opts.Kind).Valid() {
		_ = out.Error("E_FLAG", fmt.Sprintf("unknown record kind %q", opts.Kind), notify.Kinds)
		return NewExitError(ExitCommandError, "unknown record kind")
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	records, err := st.ReadRecords(ctx, store.Filter{
		PlanID:   opts.PlanID,
		Owner:    opts.Owner,
		Kind:     notify.Kind(opts.Kind),
		Flow:     opts.Flow,
		AfterSeq: opts.After,
		Limit:    opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read records", err)
	}

	result := buildTrace(opts.Flow, records)
	if opts.Format == "json" {
		return out.Success(result)
	}
	writeTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

func buildTrace(flow string, records []notify.Record) TraceResult {
	result := TraceResult{
		Flow:     flow,
		Timeline: make([]TraceEntry, 0, len(records)),
		Stats:    TraceStats{ByKind: map[string]int{}},
	}

	deposited := decimal.Zero
	flows := map[string]struct{}{}
	for _, r := range records {
		result.Timeline = append(result.Timeline, TraceEntry{
			Seq:       r.Seq,
			ID:        r.ID,
			Kind:      string(r.Kind),
			PlanID:    r.PlanID,
			Owner:     r.Owner,
			Caller:    r.Caller,
			Asset:     r.Asset,
			Amount:    r.Amount.String(),
			Reason:    r.Reason,
			Flow:      r.Flow,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
		})

		result.Stats.ByKind[string(r.Kind)]++
		switch r.Kind {
		case notify.KindDepositExecuted:
			deposited = deposited.Add(r.Amount)
		case notify.KindTriggerRejected, notify.KindEventRejected:
			result.Stats.Rejections++
		}
		if r.Flow != "" {
			flows[r.Flow] = struct{}{}
		}
	}

	result.Stats.TotalRecords = len(records)
	result.Stats.Deposited = deposited.String()
	result.Stats.Flows = len(flows)
	return result
}

func writeTraceText(w io.Writer, result TraceResult, verbose bool) {
	if result.Flow != "" {
		fmt.Fprintf(w, "Trace for Flow: %s\n", result.Flow)
	}

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no records)")
	}
	for _, e := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s", e.Seq, e.Kind)
		if e.PlanID != 0 {
			fmt.Fprintf(w, " plan=%d", e.PlanID)
		}
		if e.Owner != "" {
			fmt.Fprintf(w, " owner=%s", e.Owner)
		}
		if e.Amount != "0" {
			fmt.Fprintf(w, " amount=%s %s", e.Amount, e.Asset)
		}
		if e.Caller != "" {
			fmt.Fprintf(w, " by=%s", e.Caller)
		}
		if e.Reason != "" {
			fmt.Fprintf(w, " reason=%s", e.Reason)
		}
		fmt.Fprintln(w)
		if verbose {
			fmt.Fprintf(w, "       at %s flow=%s id=%s\n", e.Timestamp, e.Flow, truncateID(e.ID))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Records: %d\n", result.Stats.TotalRecords)
	fmt.Fprintf(w, "  Deposited:     %s\n", result.Stats.Deposited)
	fmt.Fprintf(w, "  Rejections:    %d\n", result.Stats.Rejections)
	fmt.Fprintf(w, "  Flows:         %d\n", result.Stats.Flows)
	if verbose && len(result.Stats.ByKind) > 0 {
		kinds, _ := json.Marshal(result.Stats.ByKind)
		fmt.Fprintf(w, "  By Kind:       %s\n", kinds)
	}
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
