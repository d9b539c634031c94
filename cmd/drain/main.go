// Command drain replays the persisted offline queue once and exits. It is
// meant for support staff recovering a device whose agent cannot run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fieldtrack/internal/apiclient"
	"fieldtrack/internal/attendance"
	"fieldtrack/internal/auth"
	"fieldtrack/internal/config"
	"fieldtrack/internal/logging"
	"fieldtrack/internal/queue"
	"fieldtrack/internal/store"
)

func main() {
	list := flag.Bool("list", false, "print the queued items without replaying them")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *list); err != nil {
		log.Error("drain failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, log *slog.Logger, list bool) error {
	kv, closeStore, err := store.Open(ctx, store.Options{
		Backend:     cfg.StorageBackend,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		RedisAddr:   cfg.RedisAddr,
	})
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}
	defer closeStore()

	q := queue.New(kv, queue.WithKey(cfg.QueueKey), queue.WithMaxRetries(cfg.QueueMaxRetries), queue.WithLogger(log))
	n := q.Load(ctx)
	log.Info("offline queue loaded", "items", n)

	if list {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(q.Items())
	}
	if n == 0 {
		return nil
	}

	api := apiclient.New(cfg.APIBaseURL, cfg.APITimeout, nil)
	api.Tokens = auth.NewTokenSource(cfg.AccessToken, cfg.RefreshToken, api, auth.WithLogger(log))
	if err := api.Health(ctx); err != nil {
		return fmt.Errorf("attendance api unreachable: %w", err)
	}

	session := attendance.NewSession(attendance.Employee{ID: cfg.EmployeeID}, attendance.Deps{API: api, Logger: log})
	report := q.Drain(ctx, session)
	log.Info("offline queue drained",
		"replayed", report.Replayed,
		"failed", report.Failed,
		"deferred", report.Deferred,
		"discarded", report.Discarded,
		"remaining", report.Remaining,
	)
	if report.Remaining > 0 {
		return fmt.Errorf("%d items remain queued", report.Remaining)
	}
	return nil
}
