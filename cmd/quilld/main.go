// quilld is the task lifecycle daemon: HTTP API, phase executor and
// reconciliation sweep in one process, backed by a SQLite store and an
// in-process broker.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/throw-if-null/quill/internal/agent"
	"github.com/throw-if-null/quill/internal/broker"
	"github.com/throw-if-null/quill/internal/config"
	"github.com/throw-if-null/quill/internal/executor"
	"github.com/throw-if-null/quill/internal/lifecycle"
	"github.com/throw-if-null/quill/internal/logging"
	"github.com/throw-if-null/quill/internal/server"
	"github.com/throw-if-null/quill/internal/store"
	"github.com/throw-if-null/quill/internal/telemetry"
	"github.com/throw-if-null/quill/internal/version"

	_ "modernc.org/sqlite"
)

func main() {
	// best-effort: a missing .env is the normal case
	_ = godotenv.Load()

	log := logging.New(os.Stderr, os.Getenv("QUILL_LOG_LEVEL"))

	root, err := os.Getwd()
	if err != nil {
		log.Error("cannot determine working directory", "error", err.Error())
		os.Exit(1)
	}
	res := config.Load(root)
	if res.ParseError != nil {
		log.Warn("config unusable, continuing with defaults", "path", res.Path, "error", res.ParseError.Error())
	}
	cfg := applyEnv(res.Config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "quilld",
			ServiceVersion: version.Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Error("telemetry init failed", "error", err.Error())
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	dbPath := cfg.Store.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Error("cannot prepare db directory", "path", dbPath, "error", err.Error())
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Error("cannot open sqlite db", "path", dbPath, "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	// single connection keeps writers serialized
	db.SetMaxOpenConns(1)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000`)

	st := store.New(db)
	if err := st.Init(); err != nil {
		log.Error("schema init failed", "error", err.Error())
		os.Exit(1)
	}

	b := broker.NewMemory(cfg.Broker.Buffer)
	coord := lifecycle.New(st, b, log)

	policy := executor.RetryPolicy{
		MaxRetries:      uint64(cfg.Executor.MaxRetries),
		InitialInterval: time.Duration(cfg.Executor.BackoffInitialMS) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Executor.BackoffMaxMS) * time.Millisecond,
	}
	exec := executor.New(coord, b, agent.Research{}, agent.Writing{}, policy, log)
	stopExec := exec.Start(ctx)
	defer stopExec()

	grace := time.Duration(cfg.Reconcile.GraceMS) * time.Millisecond
	interval := time.Duration(cfg.Reconcile.IntervalMS) * time.Millisecond
	stopRec := executor.StartReconciler(ctx, st, b, grace, interval, log)
	defer stopRec()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: server.NewServer(coord, log).Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("quilld listening", "version", version.Version, "commit", version.Commit, "addr", addr, "db", dbPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err.Error())
		os.Exit(1)
	}
	log.Info("quilld stopped")
}

// applyEnv layers QUILL_* environment overrides on top of the file
// config. Env wins; unset vars leave the file values alone.
func applyEnv(cfg config.Config) config.Config {
	if v := os.Getenv("QUILL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("QUILL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("QUILL_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("QUILL_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
	return cfg
}
