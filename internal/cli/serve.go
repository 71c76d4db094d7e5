package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/autodeposit/internal/api"
	"github.com/roach88/autodeposit/internal/clock"
	"github.com/roach88/autodeposit/internal/command"
	"github.com/roach88/autodeposit/internal/config"
	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/funds"
	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
	"github.com/roach88/autodeposit/internal/registry"
	"github.com/roach88/autodeposit/internal/scheduler"
	"github.com/roach88/autodeposit/internal/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	EnvOnly    bool
	Database   string // overrides store.path
	Addr       string // overrides server.http_addr

	// FlowGenerator allows overriding the flow token generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	FlowGenerator engine.FlowTokenGenerator
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger service",
		Long: `Run the ledger service.

Opens the SQLite audit log (creating it if needed), resumes the notification
sequence after the last persisted record, starts the notification
dispatcher (SQLite plus the optional Redis and webhook sinks), the HTTP API
and, when enabled, the periodic due sweep.

Example:
  autodeposit serve --config ./autodeposit.yaml
  AUTODEPOSIT_SERVER_JWT_SECRET=s3cret autodeposit serve --env-only --db /tmp/ad.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "autodeposit.yaml", "path to YAML config")
	cmd.Flags().BoolVar(&opts.EnvOnly, "env-only", false, "skip the config file and read only AUTODEPOSIT_* variables")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides server.http_addr)")

	return cmd
}

// service is the fully wired ledger.
type service struct {
	cfg        config.Config
	emitter    *notify.Emitter
	registry   *registry.Registry
	plans      *plan.Store
	ledger     *funds.Memory
	gateway    *gateway.Gateway
	dispatcher *command.Dispatcher
	api        *api.Server
	closers    []func() error
}

// buildService wires every component on top of an open store. The caller
// owns st and must call close on the returned service.
func buildService(ctx context.Context, cfg config.Config, st *store.Store, flowGen engine.FlowTokenGenerator) (*service, error) {
	limits, err := cfg.Ledger.Limits()
	if err != nil {
		return nil, err
	}

	lastSeq, err := st.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume notification sequence: %w", err)
	}

	svc := &service{cfg: cfg}

	emitterOpts := []notify.EmitterOption{
		notify.WithSeq(clock.NewSeqAt(lastSeq)),
		notify.WithSink(st),
		notify.WithLogLimit(cfg.Notify.LogLimit),
	}
	if cfg.Notify.RedisAddr != "" {
		sink := notify.NewRedisSink(&redis.Options{Addr: cfg.Notify.RedisAddr}, cfg.Notify.RedisChannel)
		svc.closers = append(svc.closers, sink.Close)
		emitterOpts = append(emitterOpts, notify.WithSink(sink))
	}
	if cfg.Notify.WebhookURL != "" {
		emitterOpts = append(emitterOpts, notify.WithSink(notify.WebhookSink{URL: cfg.Notify.WebhookURL}))
	}
	wall := clock.System{}
	svc.emitter = notify.NewEmitter(wall, emitterOpts...)

	svc.registry = registry.New(cfg.Registry.Admin, cfg.Registry.YieldSource)
	for _, agent := range cfg.Registry.Agents {
		svc.registry.Authorize(agent)
	}
	if cfg.Scheduler.Enabled && !slices.Contains(cfg.Registry.Agents, cfg.Scheduler.Keeper) {
		slog.Warn("scheduler keeper is not a configured agent; sweeps will be rejected",
			"keeper", cfg.Scheduler.Keeper)
	}

	svc.plans = plan.NewStore(svc.registry, wall,
		plan.WithLimits(limits),
		plan.WithNotifier(svc.emitter),
	)
	svc.ledger = funds.NewMemory()

	if flowGen == nil {
		flowGen = engine.UUIDv7Generator{}
	}
	eng := engine.New(svc.plans, svc.ledger,
		engine.WithNotifier(svc.emitter),
		engine.WithPools(cfg.Ledger.Pool, cfg.Ledger.YieldPool),
		engine.WithFlowGenerator(flowGen),
	)

	svc.gateway = gateway.New(gateway.Config{
		TriggerCooldown: cfg.Gateway.TriggerCooldown,
		SourceChain:     cfg.Gateway.SourceChain,
		SourceContract:  cfg.Gateway.SourceContract,
		Asset:           cfg.Gateway.Asset,
		Identity:        cfg.Gateway.Identity,
	}, svc.registry, eng,
		gateway.WithNotifier(svc.emitter),
		gateway.WithJournal(st),
	)

	validator, err := command.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("load command schema: %w", err)
	}
	svc.dispatcher = command.NewDispatcher(validator, svc.gateway)

	svc.api = &api.Server{
		Dispatcher: svc.dispatcher,
		Gateway:    svc.gateway,
		Records:    st,
		JWT:        api.JWT{Secret: []byte(cfg.Server.JWTSecret)},
	}

	slog.Info("service wired",
		"resume_seq", lastSeq,
		"agents", len(cfg.Registry.Agents),
		"redis", cfg.Notify.RedisAddr != "",
		"webhook", cfg.Notify.WebhookURL != "",
	)
	return svc, nil
}

func (s *service) close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			slog.Error("error closing sink", "error", err)
		}
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvOnly)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if opts.Addr != "" {
		cfg.Server.HTTPAddr = opts.Addr
	}

	setupLogging(cfg.Log.Level, cfg.Log.Format, opts.Verbose)
	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Server.JWTSecret == "" {
		slog.Warn("server.jwt_secret is empty; authenticated endpoints will reject every request")
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if version, err := st.SchemaVersion(ctx); err == nil {
		slog.Info("database ready", "path", cfg.Store.Path, "schema_version", version)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	svc, err := buildService(ctx, cfg, st, opts.FlowGenerator)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start service", err)
	}
	defer svc.close()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = svc.emitter.Run(context.WithoutCancel(ctx))
	}()

	var runner *scheduler.Runner
	if cfg.Scheduler.Enabled {
		runner = scheduler.New(ctx)
		sweeper := scheduler.NewSweeper(svc.gateway, cfg.Scheduler.Keeper)
		if _, err := runner.Add(cfg.Scheduler.Spec, sweeper.Job()); err != nil {
			svc.emitter.Stop()
			<-dispatchDone
			return WrapExitError(ExitCommandError, "invalid scheduler.spec", err)
		}
		runner.Start()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           svc.api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Ledger service listening on %s. Press Ctrl-C to stop.\n", cfg.Server.HTTPAddr)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err, ok := <-serveErr:
		if ok && err != nil {
			runErr = WrapExitError(ExitFailure, "http server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if runner != nil {
		runner.Stop()
	}
	svc.emitter.Stop()
	<-dispatchDone

	slog.Info("service stopped gracefully")
	return runErr
}
