// Package app owns the process lifecycle: config resolution, component
// construction, the HTTP server and orderly shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"chatrelay/internal/retention"
	"chatrelay/pkg/banner"
	"chatrelay/pkg/breaker"
	"chatrelay/pkg/config"
	"chatrelay/pkg/engine"
	"chatrelay/pkg/events"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/registry"
	"chatrelay/pkg/store"
	"chatrelay/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	addr    string
	dbPath  string
	sources string
	version string

	bank *breaker.Bank
	reg  *registry.Registry
	bus  *events.Bus
	eng  *engine.Engine

	srv     *http.Server
	sweeper *retention.Sweeper
}

// New builds every component that does not need a running context and opens
// the store. Call Run to start serving and block until shutdown.
func New(cfg *config.Config, addr, dbPath, sources, version string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range cfg.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	initValidation(cfg)

	if cfg.Logging.AuditDir != "" {
		if err := logger.AttachAuditFileSink(cfg.Logging.AuditDir); err != nil {
			logger.Warn("audit_sink_unavailable", "dir", cfg.Logging.AuditDir, "error", err.Error())
		}
	}

	if err := store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}

	a := &App{cfg: cfg, addr: addr, dbPath: dbPath, sources: sources, version: version}

	bankOpts := []breaker.Option{breaker.WithOpenDuration(cfg.BreakerOpenDuration())}
	if cfg.Breaker.FailureThreshold > 0 {
		bankOpts = append(bankOpts, breaker.WithThreshold(cfg.Breaker.FailureThreshold))
	}
	a.bank = breaker.NewBank(bankOpts...)
	a.reg = registry.New(cfg.CacheTTL())

	sinks := []events.Sink{events.LogSink{}}
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.Bearer))
	}
	a.bus = events.NewBus(sinks...)

	gw := gateway.New(a.bank, cfg.TokenTTL())
	a.eng = engine.New(a.reg, gw, a.bus, cfg.Relay.BufferBytes)

	if cfg.Retention.Enabled {
		a.sweeper = retention.New(cfg.Retention.Cron, cfg.RetentionMaxAge())
	}
	return a, nil
}

// Run starts the HTTP server and blocks until ctx is canceled or a fatal
// server error occurs.
func (a *App) Run(ctx context.Context) error {
	banner.Print(a.addr, a.dbPath, a.sources, a.version)

	if a.sweeper != nil {
		a.sweeper.Start(ctx)
	}

	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Warn("http_shutdown_error", "error", err.Error())
		}
	}
	a.bus.Close()
	if err := store.Close(); err != nil {
		logger.Warn("store_close_error", "error", err.Error())
	}
	logger.Sync()
}

// validateConfig fails fast on settings that would only break at runtime.
func validateConfig(cfg *config.Config) error {
	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile == "" {
		return fmt.Errorf("tls cert_file set without key_file")
	}
	if cfg.Server.TLS.KeyFile != "" && cfg.Server.TLS.CertFile == "" {
		return fmt.Errorf("tls key_file set without cert_file")
	}
	if cfg.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker failure_threshold must be >= 0")
	}
	if cfg.Relay.BufferBytes < 0 {
		return fmt.Errorf("relay buffer_bytes must be >= 0")
	}
	return nil
}

// initValidation installs the request limits from config.
func initValidation(cfg *config.Config) {
	vr := validation.Rules{
		MaxContentBytes:  1 << 20,
		MaxAttachments:   16,
		MaxAttachmentLen: 2048,
		MaxMetadataKeys:  32,
		MaxMetadataBytes: 16 * 1024,
	}
	if cfg.Validation.MaxContentLen > 0 {
		vr.MaxContentBytes = cfg.Validation.MaxContentLen
	}
	if cfg.Validation.MaxAttachments > 0 {
		vr.MaxAttachments = cfg.Validation.MaxAttachments
	}
	if cfg.Validation.MaxMetadataBytes > 0 {
		vr.MaxMetadataBytes = cfg.Validation.MaxMetadataBytes
	}
	validation.SetRules(vr)
}
