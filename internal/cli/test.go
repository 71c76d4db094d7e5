package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/autodeposit/internal/harness"
)

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name    string   `json:"name"`
	File    string   `json:"file"`
	Pass    bool     `json:"pass"`
	Updated bool     `json:"golden_updated,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func (r ScenarioResult) fail(format string, args ...any) ScenarioResult {
	r.Pass = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	return r
}

// TestResult aggregates a scenario run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r TestResult) String() string {
	if r.Total == 0 {
		return "No scenarios found."
	}
	var b strings.Builder
	for _, s := range r.Scenarios {
		mark := "\u2713"
		if !s.Pass {
			mark = "\u2717"
		}
		fmt.Fprintf(&b, "%s %s", mark, s.Name)
		if s.Updated {
			b.WriteString(" (golden updated)")
		}
		b.WriteByte('\n')
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	fmt.Fprintf(&b, "\nTest Summary: %d passed, %d failed, %d total", r.Passed, r.Failed, r.Total)
	return b.String()
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		update bool
		filter string
	)

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run ledger scenarios",
		Long: `Run YAML scenarios against a fresh in-memory ledger.

Each scenario runs its setup and flow steps on a fake clock, then checks
its assertions against the notification trace, the plan store and the
SQLite audit log. When <scenarios-dir>/golden/<name>.golden exists the
canonical trace must also match it byte for byte; --update rewrites it.

Exits 1 when a scenario fails and 2 when the directory cannot be read.

Examples:
  autodeposit test ./scenarios
  autodeposit test ./scenarios --filter "batch_*" --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if _, err := os.Stat(dir); err != nil {
				return NewExitError(ExitCommandError, "scenarios directory not found: "+dir)
			}
			files, err := findScenarioFiles(dir, filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to find scenarios", err)
			}

			result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
			for _, file := range files {
				s := runScenario(file, update)
				if s.Pass {
					result.Passed++
				} else {
					result.Failed++
				}
				result.Scenarios = append(result.Scenarios, s)
			}
			return reportTests(newFormatter(rootOpts, cmd), result)
		},
	}

	cmd.Flags().BoolVar(&update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&filter, "filter", "", "only run scenarios whose name matches this glob")

	return cmd
}

// findScenarioFiles walks dir for *.yaml and *.yml files, skipping golden
// directories. A non-empty filter is matched against the file name
// without its extension.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario runs one scenario file and checks or rewrites its golden
// trace.
func runScenario(file string, update bool) ScenarioResult {
	res := ScenarioResult{
		Name: strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)),
		File: file,
	}

	sc, err := harness.LoadScenario(file)
	if err != nil {
		return res.fail("Load error: %v", err)
	}
	res.Name = sc.Name

	run, err := harness.Run(sc)
	if err != nil {
		return res.fail("Execution error: %v", err)
	}
	res.Pass = run.Pass
	res.Errors = run.Errors

	trace, err := harness.CanonicalTrace(sc, run)
	if err != nil {
		return res.fail("Trace error: %v", err)
	}

	golden := goldenFilePath(file)
	if update {
		if err := writeGolden(golden, trace); err != nil {
			return res.fail("Golden update error: %v", err)
		}
		res.Updated = true
		return res
	}

	want, err := os.ReadFile(golden)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return res.fail("Golden read error: %v", err)
	case !bytes.Equal(want, trace):
		return res.fail("Golden file mismatch (run with --update to regenerate)")
	}
	return res
}

// goldenFilePath maps dir/name.yaml to dir/golden/name.golden.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func writeGolden(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, trace, 0644)
}

// reportTests prints result and turns failures into exit code 1. In JSON
// mode a failing run carries both the results and an E_TEST_FAILED error.
func reportTests(out *OutputFormatter, result TestResult) error {
	if result.Failed == 0 {
		return out.Success(result)
	}

	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if out.Format == "json" {
		if err := json.NewEncoder(out.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: "E_TEST_FAILED", Message: msg},
		}); err != nil {
			return err
		}
	} else if err := out.Success(result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}
