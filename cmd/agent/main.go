package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldtrack/internal/apiclient"
	"fieldtrack/internal/attendance"
	"fieldtrack/internal/auth"
	"fieldtrack/internal/config"
	"fieldtrack/internal/connectivity"
	"fieldtrack/internal/failsafe"
	"fieldtrack/internal/handler"
	"fieldtrack/internal/history"
	"fieldtrack/internal/httpmiddleware"
	"fieldtrack/internal/logging"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/queue"
	"fieldtrack/internal/selfie"
	"fieldtrack/internal/store"
	"fieldtrack/internal/tracking"
)

func main() {
	issue := flag.Bool("issue-control-token", false, "print a control API token for the local UI and exit")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if *issue {
		if err := issueControlToken(cfg); err != nil {
			log.Error("issue control token", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func issueControlToken(cfg config.App) error {
	if cfg.ControlSigningKey == "" {
		return errors.New("CONTROL_SIGNING_KEY is not set")
	}
	tokens, err := auth.Issue(cfg.EmployeeID, "ui", cfg.ControlIssuer, cfg.ControlSigningKey, 24*time.Hour, 7*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(tokens.AccessToken)
	return nil
}

func run(ctx context.Context, cfg config.App, log *slog.Logger) error {
	kv, closeStore, err := store.Open(ctx, store.Options{
		Backend:     cfg.StorageBackend,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		RedisAddr:   cfg.RedisAddr,
	})
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("close storage", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	q := queue.New(kv,
		queue.WithKey(cfg.QueueKey),
		queue.WithMaxRetries(cfg.QueueMaxRetries),
		queue.WithLogger(log),
		queue.WithObserver(m),
	)

	api := apiclient.New(cfg.APIBaseURL, cfg.APITimeout, nil)
	tokens := auth.NewTokenSource(cfg.AccessToken, cfg.RefreshToken, api,
		auth.WithSkew(cfg.TokenRefreshSkew),
		auth.WithLogger(log),
	)
	api.Tokens = tokens

	daemon := tracking.NewClient(cfg.TrackerURL)
	bridge := tracking.New(daemon, tracking.WithLogger(log), tracking.WithObserver(m))

	deps := attendance.Deps{
		API:      api,
		Tracker:  bridge,
		Queue:    q,
		Locator:  daemon,
		Observer: m,
		Logger:   log,
	}
	if cfg.CloudinaryConfigured() {
		deps.Selfies = selfie.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info("selfie uploads enabled", "cloud", cfg.CloudinaryCloudName)
	}
	employee := attendance.Employee{ID: cfg.EmployeeID, FirstName: cfg.EmployeeFirstName}
	dev := &device{cfg: cfg}
	deps.Device = dev

	var session *attendance.Session
	monitor := connectivity.New(api, cfg.ProbeInterval, func(ctx context.Context) {
		report := q.Drain(ctx, session)
		if report.Replayed > 0 || report.Failed > 0 || report.Discarded > 0 {
			log.Info("offline queue drained", "replayed", report.Replayed, "failed", report.Failed,
				"discarded", report.Discarded, "remaining", report.Remaining)
		}
	}, connectivity.WithLogger(log), connectivity.WithObserver(m))
	deps.Connectivity = monitor

	session = attendance.NewSession(employee, deps)
	dev.session = session
	bridge.SetSink(session.RecordLocation)

	guard := failsafe.New(bridge, session, log)
	tokens.OnExpired(func() {
		out := guard.OnSessionExpired(context.WithoutCancel(ctx))
		log.Warn("session expired", "triggered", out.Triggered, "checked_out", out.CheckedOut)
		// A failed emergency check-out keeps the attendance id so the next
		// login reconciles it with the server.
		if !out.Triggered || out.CheckedOut {
			session.Reset()
		}
	})

	if n := q.Load(ctx); n > 0 {
		log.Info("offline queue restored", "items", n)
	}
	if bridge.Initialize(ctx) {
		bridge.CheckStatus(ctx)
	}
	if st, err := session.RefreshStatus(ctx); err != nil {
		log.Warn("initial status refresh failed", "error", err)
	} else {
		log.Info("session restored", "status", st.Status, "attendance_id", st.AttendanceID)
	}

	go monitor.Run(ctx)
	go watchStaleTracking(ctx, guard, cfg.StaleTrackingAfter, log)

	h := handler.New(handler.Deps{
		Session:  session,
		Queue:    q,
		Bridge:   bridge,
		Failsafe: guard,
		Pager:    history.NewPager(api, cfg.EmployeeID),
		Monitor:  monitor,
		Ticks:    daemon.Deliver,
		OnLogin:  tokens.SetTokens,
		OnLogout: tokens.Clear,
		Logger:   log,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	if cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	r.GET("/healthz", h.Healthz)
	if cfg.ControlSigningKey == "" {
		log.Warn("control API is unauthenticated; set CONTROL_SIGNING_KEY")
	}
	h.Register(r.Group("", auth.ControlAuth(cfg.ControlSigningKey, cfg.ControlIssuer)))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("agent listening", "addr", srv.Addr, "employee_id", cfg.EmployeeID, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", "error", err)
	}
	return nil
}

// watchStaleTracking force-closes the session when the daemon stops
// reporting locations for longer than maxAge.
func watchStaleTracking(ctx context.Context, guard *failsafe.Controller, maxAge time.Duration, log *slog.Logger) {
	if maxAge <= 0 {
		return
	}
	interval := maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if out := guard.CheckStale(ctx, maxAge); out.Triggered {
				log.Warn("stale tracking closed session", "attendance_id", out.AttendanceID, "checked_out", out.CheckedOut)
			}
		}
	}
}
