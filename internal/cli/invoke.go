package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/autodeposit/internal/api"
	"github.com/roach88/autodeposit/internal/command"
	"github.com/roach88/autodeposit/internal/config"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Server  string
	Caller  string
	Token   string
	Secret  string
	Params  string
	Timeout time.Duration

	// HTTP allows overriding the client (for testing).
	HTTP *http.Client
}

// invokeResponse mirrors the API envelope.
type invokeResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <action>",
		Short: "Send a structured command to a running service",
		Long: `Send a structured command to a running service.

The command is POSTed to /v1/commands with a bearer token. Pass --token, or
--caller together with the shared signing secret (--secret or
AUTODEPOSIT_SERVER_JWT_SECRET) to mint one locally.

Actions: ` + actionList() + `

Example:
  autodeposit invoke create_plan --caller alice \
    --params '{"asset":"USDC","amount":"100","frequency_seconds":86400}'
  autodeposit invoke trigger --token "$TOKEN" --params '{"plan_id":1}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAction(opts, command.Action(args[0]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "http://localhost:8080", "service base URL")
	cmd.Flags().StringVar(&opts.Caller, "caller", "", "identity to mint a token for")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "JWT signing secret (default $"+config.EnvPrefix+"_SERVER_JWT_SECRET)")
	cmd.Flags().StringVar(&opts.Params, "params", "{}", "command parameters as JSON")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

func actionList() string {
	names := make([]string, len(command.Actions))
	for i, a := range command.Actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func invokeAction(opts *InvokeOptions, action command.Action, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	if !action.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown action %q", action))
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(opts.Params), &params); err != nil {
		return WrapExitError(ExitCommandError, "invalid --params JSON", err)
	}

	token, err := opts.bearer()
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot authenticate", err)
	}

	body, err := json.Marshal(map[string]any{"action": action, "params": params})
	if err != nil {
		return WrapExitError(ExitCommandError, "encode command", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	url := strings.TrimRight(opts.Server, "/") + "/v1/commands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return WrapExitError(ExitCommandError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	out.VerboseLog("POST %s action=%s", url, action)

	client := opts.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return WrapExitError(ExitCommandError, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return WrapExitError(ExitCommandError, "read response", err)
	}
	var env invokeResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode), err)
	}

	if resp.StatusCode != http.StatusOK {
		code, _ := env.Meta["error_code"].(string)
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		if err := out.Error(code, env.Message, nil); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%s rejected: %s", action, code))
	}

	if flow, _ := env.Meta["flow"].(string); flow != "" {
		out.VerboseLog("flow=%s", flow)
	}
	return out.Success(env.Data)
}

// bearer returns the explicit token or mints one for Caller.
func (o *InvokeOptions) bearer() (string, error) {
	if o.Token != "" {
		return o.Token, nil
	}
	if o.Caller == "" {
		return "", fmt.Errorf("either --token or --caller is required")
	}
	secret := o.Secret
	if secret == "" {
		secret = os.Getenv(config.EnvPrefix + "_SERVER_JWT_SECRET")
	}
	if secret == "" {
		return "", fmt.Errorf("--caller needs --secret or $%s_SERVER_JWT_SECRET", config.EnvPrefix)
	}
	token, _, err := api.JWT{Secret: []byte(secret)}.Sign(o.Caller)
	return token, err
}
