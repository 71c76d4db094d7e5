package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/autodeposit/internal/command"
	"github.com/roach88/autodeposit/internal/fault"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Files    int               `json:"files"`
	Commands int               `json:"commands"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one rejected command.
type ValidationIssue struct {
	File    string `json:"file"`
	Index   int    `json:"index"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r ValidationResult) String() string {
	if r.Valid {
		return fmt.Sprintf("OK: %d command(s) in %d file(s) are valid", r.Commands, r.Files)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d command(s) invalid:", len(r.Errors), r.Commands)
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\n  %s[%d] %s: [%s] %s", e.File, e.Index, e.Action, e.Code, e.Message)
	}
	return b.String()
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Check command files against the command schema",
		Long: `Check JSON or YAML command files against the command schema without
touching any ledger.

Each file holds a single command or a list of commands:

  - action: create_plan
    caller: alice
    params: {asset: USDC, amount: "100", frequency_seconds: 86400}

Directories are searched for *.json, *.yaml and *.yml files.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	files, err := collectCommandFiles(paths)
	if err != nil {
		_ = out.Error("E_LOAD", err.Error(), nil)
		return WrapExitError(ExitCommandError, "collect command files", err)
	}
	if len(files) == 0 {
		_ = out.Error("E_LOAD", "no command files found", paths)
		return NewExitError(ExitCommandError, "no command files found")
	}

	v, err := command.NewValidator()
	if err != nil {
		return WrapExitError(ExitCommandError, "load command schema", err)
	}

	result := ValidationResult{Files: len(files)}
	for _, file := range files {
		cmds, err := loadCommandFile(file)
		if err != nil {
			_ = out.Error("E_LOAD", err.Error(), map[string]any{"file": file})
			return WrapExitError(ExitCommandError, "load "+file, err)
		}
		out.VerboseLog("Validating %d command(s) in %s", len(cmds), file)

		for i, c := range cmds {
			result.Commands++
			if _, err := v.Validate(c); err != nil {
				result.Errors = append(result.Errors, issueFor(file, i, c, err))
			}
		}
	}

	result.Valid = len(result.Errors) == 0
	if err := out.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func issueFor(file string, index int, c command.Command, err error) ValidationIssue {
	issue := ValidationIssue{
		File:    file,
		Index:   index,
		Action:  string(c.Action),
		Code:    string(fault.CodeOf(err)),
		Message: err.Error(),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		issue.Message = fe.Message
	}
	return issue
}

// collectCommandFiles expands directories into their command files, in
// lexical order. Explicit file arguments are kept regardless of extension.
func collectCommandFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch filepath.Ext(e.Name()) {
			case ".json", ".yaml", ".yml":
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	return files, nil
}

// loadCommandFile decodes a file holding one command or a list of them.
// JSON is accepted as the YAML subset it is.
func loadCommandFile(path string) ([]command.Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse %s: empty document", path)
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var cmds []command.Command
		if err := root.Decode(&cmds); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return cmds, nil
	case yaml.MappingNode:
		var c command.Command
		if err := root.Decode(&c); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return []command.Command{c}, nil
	default:
		return nil, fmt.Errorf("decode %s: expected a command or a list of commands", path)
	}
}
