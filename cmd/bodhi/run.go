package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/alias"
	"github.com/bodhiapp/bodhi/internal/authn"
	"github.com/bodhiapp/bodhi/internal/hub"
	"github.com/bodhiapp/bodhi/internal/keepalive"
	"github.com/bodhiapp/bodhi/internal/oauthflow"
	"github.com/bodhiapp/bodhi/internal/queue"
	"github.com/bodhiapp/bodhi/internal/router"
	"github.com/bodhiapp/bodhi/internal/secretstore"
	"github.com/bodhiapp/bodhi/internal/server"
	"github.com/bodhiapp/bodhi/internal/settings"
	"github.com/bodhiapp/bodhi/internal/storage/sqlite"
	"github.com/bodhiapp/bodhi/internal/storage/sqlite/sessions"
	"github.com/bodhiapp/bodhi/internal/supervisor"
	"github.com/bodhiapp/bodhi/internal/telemetry"
	"github.com/bodhiapp/bodhi/internal/tokensvc"
	"github.com/bodhiapp/bodhi/internal/worker"
)

// modelLoadedGauge updates telemetry.Metrics.ModelLoaded from supervisor
// state transitions, alongside C7's keep-alive timer which is the other
// registered bodhi.StateListener.
type modelLoadedGauge struct {
	metrics *telemetry.Metrics
}

func (g modelLoadedGauge) OnStateChange(state bodhi.ServerState) {
	switch state.(type) {
	case bodhi.ServerStart:
		g.metrics.ModelLoaded.Set(1)
	case bodhi.ServerStop:
		g.metrics.ModelLoaded.Set(0)
	case bodhi.ServerChatCompletions, bodhi.ServerVariant:
		// no gauge change
	default:
		panic("modelLoadedGauge: unhandled ServerState variant")
	}
}

// supervisorHost is the loopback address the supervised llama-server
// child binds to -- always local, independent of BODHI_HOST/BODHI_PORT
// which govern bodhi's own HTTP surface.
const supervisorHost = "127.0.0.1"

func run(home string) error {
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		home = filepath.Join(userHome, ".bodhi")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create bodhi home: %w", err)
	}
	hfHome := filepath.Join(home, "hf")

	slog.Info("starting bodhi", "version", version, "home", home)

	svc := settings.New(filepath.Join(home, "settings.yaml"), map[string]any{
		"BODHI_APP_TYPE": "native",
	})
	settings.RegisterDefaults(svc, home, hfHome)

	encryptionKey, err := resolveEncryptionKey(home)
	if err != nil {
		return err
	}
	secrets, err := secretstore.New(home, encryptionKey)
	if err != nil {
		return err
	}

	ledgerDSN := filepath.Join(home, "bodhi.db")
	store, err := sqlite.New(ledgerDSN, nil)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	slog.Info("ledger opened", "path", ledgerDSN)

	sessionStore, err := sessions.New(filepath.Join(home, "sessions.db"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	slog.Info("session store opened")

	// Shared DNS cache for the hub's outbound HTTP.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	hubCache, err := hub.New(hfHome, dnsResolver)
	if err != nil {
		return fmt.Errorf("open hub cache: %w", err)
	}

	aliasResolver, err := alias.New(store, store, hubCache)
	if err != nil {
		return fmt.Errorf("build alias resolver: %w", err)
	}

	execPath, err := resolveExecPath(svc)
	if err != nil {
		return err
	}
	slog.Info("model engine resolved", "path", execPath)

	engineClient := &http.Client{Timeout: 5 * time.Minute}
	sup := supervisor.New(execPath, supervisorHost, engineClient, slog.Default())

	keepAlive := keepalive.New(sup, svc.KeepAliveSecs(), slog.Default())
	sup.AddListener(keepAlive)
	svc.AddListener(keepAlive)

	oauthHTTPClient := &http.Client{Timeout: 15 * time.Second}
	oauthClient := oauthflow.NewClient(oauthHTTPClient)
	oauthSvc := oauthflow.New(svc, secrets, oauthClient)

	tokenSvc, err := tokensvc.New(store, sessionStore, secrets, oauthSvc, oauthHTTPClient)
	if err != nil {
		return fmt.Errorf("build token service: %w", err)
	}

	authMiddleware := authn.New(tokenSvc, sessionStore, func() bodhi.AppStatus {
		status, statusErr := secrets.AppStatus()
		if statusErr != nil {
			return bodhi.AppStatusSetup
		}
		return status
	})

	reqRouter, err := router.New(hubCache, store, secrets, sup, engineClient)
	if err != nil {
		return fmt.Errorf("build request router: %w", err)
	}

	taskQueue := queue.New(store, slog.Default())
	taskQueue.Register(bodhi.TaskRefreshAll, queue.NewRefreshAllHandler(hubCache, store, nil))
	runner := worker.NewRunner(taskQueue)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(promRegistry)
	sup.AddListener(modelLoadedGauge{metrics})

	if endpoint := os.Getenv("BODHI_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := telemetry.SetupTracing(context.Background(), endpoint, 0.1)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			defer shutdown(context.Background())
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint)
		}
	}

	handler := server.New(server.Deps{
		Auth:           authMiddleware,
		Aliases:        aliasResolver,
		Router:         reqRouter,
		Queue:          taskQueue,
		Hub:            hubCache,
		Ledger:         store,
		Sessions:       sessionStore,
		Settings:       svc,
		OAuth:          oauthSvc,
		Secrets:        secrets,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		ReadyCheck:     store.Ping,
	})

	host, _ := svc.Get(settings.KeyBodhiHost)
	port, _ := svc.Get(settings.KeyBodhiPort)
	addr := fmt.Sprintf("%s:%d", asString(host, "localhost"), asInt64(port, 1135))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // streaming chat completions have no fixed upper bound
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic gauge refresh for state the queue/ledger don't push events for.
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if status, err := taskQueue.Status(workerCtx); err == nil {
					if status == "processing" {
						metrics.QueueDepth.Set(1)
					} else {
						metrics.QueueDepth.Set(0)
					}
				}
				if downloads, err := store.ListDownloads(workerCtx, 0, 1000); err == nil {
					inFlight := 0
					for _, d := range downloads {
						if d.Status == bodhi.DownloadDownloading || d.Status == bodhi.DownloadPending {
							inFlight++
						}
					}
					metrics.DownloadsInFlight.Set(float64(inFlight))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("bodhi ready", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	if err := sup.Stop(shutdownCtx); err != nil {
		slog.Warn("supervisor shutdown error", "error", err)
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	slog.Info("bodhi stopped")
	return nil
}

// resolveEncryptionKey returns BODHI_ENCRYPTION_KEY from the environment if
// set; otherwise it reads (or creates, on first run) a key file under home
// so the secret store's encryption key survives restarts without forcing
// every deployment to manage its own env var.
func resolveEncryptionKey(home string) (string, error) {
	if key := os.Getenv(settings.KeyBodhiEncryptionKey); key != "" {
		return key, nil
	}

	keyPath := filepath.Join(home, ".encryption_key")
	if raw, err := os.ReadFile(keyPath); err == nil {
		return string(raw), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read encryption key: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate encryption key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(buf)
	if err := os.WriteFile(keyPath, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("persist encryption key: %w", err)
	}
	return key, nil
}

// resolveExecPath locates the llama-server binary: BODHI_EXEC_LOOKUP_PATH
// names a directory containing per-variant builds (BODHI_EXEC_VARIANT
// selects the subdirectory, "default" unless overridden), falling back to
// PATH lookup when no lookup path is configured.
func resolveExecPath(svc *settings.Service) (string, error) {
	lookupPath, _ := svc.Get(settings.KeyBodhiExecLookupPath)
	variant, _ := svc.Get(settings.KeyBodhiExecVariant)

	if dir, ok := lookupPath.(string); ok && dir != "" {
		v, _ := variant.(string)
		if v == "" {
			v = "default"
		}
		return filepath.Join(dir, v, "llama-server"), nil
	}

	path, err := exec.LookPath("llama-server")
	if err != nil {
		return "", fmt.Errorf("llama-server not found on PATH and BODHI_EXEC_LOOKUP_PATH is unset: %w", err)
	}
	return path, nil
}

func asString(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func asInt64(v any, fallback int64) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return fallback
	}
}
