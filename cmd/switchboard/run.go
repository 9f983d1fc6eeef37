package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"

	"github.com/koriley/switchboard/internal/adapter"
	"github.com/koriley/switchboard/internal/adapter/anthropic"
	"github.com/koriley/switchboard/internal/adapter/gemini"
	"github.com/koriley/switchboard/internal/adapter/openai"
	"github.com/koriley/switchboard/internal/adapter/responses"
	"github.com/koriley/switchboard/internal/app"
	"github.com/koriley/switchboard/internal/auth"
	"github.com/koriley/switchboard/internal/bridge"
	"github.com/koriley/switchboard/internal/circuitbreaker"
	"github.com/koriley/switchboard/internal/config"
	"github.com/koriley/switchboard/internal/oauth"
	"github.com/koriley/switchboard/internal/preset"
	"github.com/koriley/switchboard/internal/ratelimit"
	"github.com/koriley/switchboard/internal/server"
	"github.com/koriley/switchboard/internal/settings"
	"github.com/koriley/switchboard/internal/storage/sqlite"
	"github.com/koriley/switchboard/internal/telemetry"
	"github.com/koriley/switchboard/internal/tunnel"
	"github.com/koriley/switchboard/internal/vault"
	"github.com/koriley/switchboard/internal/worker"
)

const keychainService = "switchboard"

func run(configPath, dataDirFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	setupLogger(cfg.Log)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// One daemon per data dir; a second instance would corrupt the
	// single-writer SQLite setup.
	lock := flock.New(filepath.Join(cfg.DataDir, "switchboard.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is in use by another instance", cfg.DataDir)
	}
	defer lock.Unlock()

	slog.Info("starting switchboard", "version", version, "data_dir", cfg.DataDir)

	v, err := vault.Open(keychainService, cfg.DataDir, cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	store, err := sqlite.New(filepath.Join(cfg.DataDir, "switchboard.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store, v); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		gatherer = reg
	}

	st := settings.NewService(store)
	adapters := newAdapterRegistry()

	pol := st.Breaker(ctx)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:    pol.Threshold,
		ResetTimeout: pol.ResetTimeout,
	})

	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)

	oauthProviders := []oauth.Provider{oauth.NewCodex(), oauth.NewAntigravity()}
	selector := oauth.NewSelector(store)
	refresher := oauth.NewRefresher(store, v, oauthProviders, clockwork.NewRealClock())

	bridgeSvc := bridge.New(store, adapters, st, breakers, selector, v, metrics, resolver)

	httpClient := &http.Client{Timeout: 30 * time.Second, Transport: bridge.NewTransport(resolver, false)}
	providerSvc := app.NewProviderService(store, v, adapters, httpClient)
	proxySvc := app.NewProxyService(store, adapters)
	logSvc := app.NewLogService(store)
	transferSvc := app.NewTransferService(store, v, st)
	chatSvc := app.NewChatService(store, bridgeSvc)
	accountSvc := app.NewAccountService(store, v, refresher, oauthProviders)
	codeSwitchSvc := app.NewCodeSwitchService(store)

	keyAuth, err := auth.NewKeyAuth(store, st, metrics)
	if err != nil {
		return err
	}
	keySvc := app.NewKeyService(store, keyAuth)

	presetSvc, err := preset.NewService(cfg.DataDir, st, httpClient)
	if err != nil {
		return fmt.Errorf("presets: %w", err)
	}

	tun := tunnel.NewSupervisor(store, st, v, metrics, cfg.DataDir)
	limiter := ratelimit.NewLimiter()

	handler := server.New(server.Deps{
		Store:        store,
		Settings:     st,
		Auth:         keyAuth,
		Bridge:       bridgeSvc,
		Adapters:     adapters,
		Providers:    providerSvc,
		Proxies:      proxySvc,
		Keys:         keySvc,
		Logs:         logSvc,
		Transfer:     transferSvc,
		Chat:         chatSvc,
		Accounts:     accountSvc,
		CodeSwitches: codeSwitchSvc,
		Presets:      presetSvc,
		Tunnel:       tun,
		Limiter:      limiter,
		Breakers:     breakers,
		Vault:        v,
		Metrics:      metrics,
		Gatherer:     gatherer,
		ReadyCheck:   store.Ping,
	})

	workers := worker.NewRunner(
		refresher,
		worker.NewRetentionWorker(logSvc, st),
		worker.NewPresetSyncWorker(presetSvc, st),
		worker.NewQuotaSyncWorker(store, accountSvc),
		worker.NewJanitor(map[string]worker.StaleEvicter{
			"breakers":   breakers,
			"rate_limit": limiter,
		}),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- workers.Run(ctx) }()

	addr := listenAddr(ctx, cfg, st)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE streams stay open for minutes.
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if st.Tunnel(ctx).AutoStart {
		if err := tun.Start(ctx); err != nil {
			slog.Warn("tunnel auto-start failed", "error", err)
		}
	}

	slog.Info("switchboard ready", "addr", addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case err := <-workerErr:
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := tun.Stop(shutdownCtx); err != nil {
		slog.Warn("tunnel stop failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("switchboard stopped")
	return nil
}

// newAdapterRegistry registers every built-in dialect adapter plus the
// OpenAI-compatible vendor variants and naming aliases.
func newAdapterRegistry() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(openai.New())
	r.Register(responses.New())
	r.Register(anthropic.New())
	r.Register(gemini.New())
	r.Register(openai.NewDeepSeek())
	r.Register(openai.NewMoonshot())
	r.Register(openai.NewQwen())
	r.Register(openai.NewZhipu())
	r.Alias("google", "gemini")
	r.Alias("claude", "anthropic")
	return r
}

// listenAddr resolves the bind address: config file overrides win,
// everything else comes from the settings table.
func listenAddr(ctx context.Context, cfg *config.Config, st *settings.Service) string {
	host := cfg.Listen.Host
	if host == "" {
		host = st.String(ctx, settings.KeyProxyHost)
	}
	port := cfg.Listen.Port
	if port == 0 {
		port = st.Int(ctx, settings.KeyProxyPort)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// refreshDNS re-resolves cached DNS answers every 5 minutes so long
// upstream connections survive IP rotations.
func refreshDNS(ctx context.Context, r *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(true)
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
