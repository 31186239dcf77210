package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-live/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-live/pkg/gateway/server"
	"github.com/vango-go/vai-live/pkg/gateway/upstream"
	"github.com/vango-go/vai-live/pkg/turnlog"
)

func testDeps(t *testing.T) serveDeps {
	return serveDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:                "127.0.0.1:0",
				AuthMode:            config.AuthModeDisabled,
				ReadHeaderTimeout:   time.Second,
				ShutdownGracePeriod: time.Second,
			}, nil
		},
		buildProviders: func(context.Context, config.Config) (upstream.Providers, error) {
			return upstream.Providers{}, nil
		},
		openTurns: func(context.Context, string) (*turnlog.Store, error) {
			t.Fatalf("openTurns should not be called without a database url")
			return nil, nil
		},
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	deps.newGateway = func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server {
		t.Fatalf("newGateway should not be called when config load fails")
		return nil
	}

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve", "--env-file", ""}, io.Discard, &stderr, deps)

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_ProviderFailureIsReported(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	deps.buildProviders = func(context.Context, config.Config) (upstream.Providers, error) {
		return upstream.Providers{}, errors.New("no key")
	}

	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"serve", "--env-file", ""}, io.Discard, &stderr, deps); code != 1 {
		t.Fatalf("exitCode=%d", code)
	}
	if !strings.Contains(stderr.String(), "build providers") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunMain_Version(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	if code := runMain(context.Background(), []string{"version", "--env-file", ""}, &stdout, io.Discard, testDeps(t)); code != 0 {
		t.Fatalf("exitCode=%d", code)
	}
	if strings.TrimSpace(stdout.String()) != version {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestRunMain_InvalidLogFormat(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"serve", "--env-file", "", "--log-format", "xml"}, io.Discard, &stderr, testDeps(t))
	if code != 1 || !strings.Contains(stderr.String(), "--log-format") {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
}

func TestRunServe_DrainsOnSignal(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	deps.signalNotify = func(c chan<- os.Signal, sig ...os.Signal) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			c <- os.Interrupt
		}()
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), logger, deps) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runServe did not return after signal")
	}
	if !strings.Contains(logs.String(), "gateway stopped") {
		t.Fatalf("logs=%q", logs.String())
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != 0 {
		t.Fatalf("ReadTimeout=%v, want 0 for long-lived sockets", srv.ReadTimeout)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("output=%q", buf.String())
	}

	if _, err := newLogger(&buf, "otel", "info"); err != nil {
		t.Fatalf("otel logger: %v", err)
	}
	if _, err := newLogger(&buf, "text", "loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("VAI_LIVE_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("VAI_LIVE_DOTENV_PROBE") })

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile() error = %v", err)
	}
	if got := os.Getenv("VAI_LIVE_DOTENV_PROBE"); got != "loaded" {
		t.Fatalf("VAI_LIVE_DOTENV_PROBE=%q", got)
	}
}
