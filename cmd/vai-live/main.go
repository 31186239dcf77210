package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/vango-go/vai-live/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-live/pkg/gateway/server"
	"github.com/vango-go/vai-live/pkg/gateway/upstream"
	"github.com/vango-go/vai-live/pkg/turnlog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const scopeName = "github.com/vango-go/vai-live"

type serveDeps struct {
	loadConfig     func() (config.Config, error)
	buildProviders func(context.Context, config.Config) (upstream.Providers, error)
	openTurns      func(context.Context, string) (*turnlog.Store, error)
	newGateway     func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	signalNotify   func(chan<- os.Signal, ...os.Signal)
	signalStop     func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		buildProviders: func(ctx context.Context, cfg config.Config) (upstream.Providers, error) {
			return upstream.NewFactory(cfg).Build(ctx, cfg)
		},
		openTurns:  turnlog.Open,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type rootOptions struct {
	envFile   string
	logFormat string
	logLevel  string
}

func newRootCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "vai-live",
		Short:         "Realtime voice gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading configuration (missing is fine)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text, json or otel")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve /v1/live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(stderr, opts.logFormat, opts.logLevel)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), logger, deps)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply turn ledger migrations to VAI_LIVE_DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimSpace(os.Getenv("VAI_LIVE_DATABASE_URL"))
			if url == "" {
				return errors.New("VAI_LIVE_DATABASE_URL must be set")
			}
			if err := turnlog.Migrate(cmd.Context(), url); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	// Bare `vai-live` serves.
	root.RunE = serve.RunE
	root.AddCommand(serve, migrate, versionCmd)
	return root
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "otel":
		// Records go to the global OpenTelemetry logger provider.
		return otelslog.NewLogger(scopeName), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: live sockets are long-lived and use their own deadlines.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, logger *slog.Logger, deps serveDeps) error {
	if deps.loadConfig == nil || deps.buildProviders == nil || deps.newGateway == nil {
		return errors.New("missing serve dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providers, err := deps.buildProviders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	gwDeps := gatewayserver.Dependencies{Providers: providers}
	if cfg.DatabaseURL != "" && deps.openTurns != nil {
		store, err := deps.openTurns(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open turn ledger: %w", err)
		}
		defer store.Close()
		gwDeps.Turns = store
	}

	gw := deps.newGateway(cfg, logger, gwDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"stt", cfg.STTProvider,
		"llm", cfg.LLMProvider,
		"tts", cfg.TTSProvider,
		"persistence", gwDeps.Turns != nil,
		"version", version,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled, draining")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.WarnLiveSessionsDraining()

	// Shutdown does not wait for hijacked connections, so live sessions get
	// their own grace period below.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCmd(stderr, deps)
	root.SetArgs(args)
	if stdout != nil {
		root.SetOut(stdout)
	}
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-live: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultServeDeps()))
}
