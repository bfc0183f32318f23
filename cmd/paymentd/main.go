package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"cryptopay/internal/common/database"
	"cryptopay/internal/common/events"
	"cryptopay/internal/common/middleware"
	"cryptopay/internal/common/nats"
	"cryptopay/internal/invoice"
	"cryptopay/internal/invoice/allocator"
	"cryptopay/internal/invoice/api"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/expiry"
	"cryptopay/internal/invoice/machine"
	"cryptopay/internal/invoice/monitor"
	"cryptopay/internal/invoice/notify"
	"cryptopay/internal/invoice/probe"
	"cryptopay/internal/invoice/store"
	"cryptopay/internal/providers/esplora"
	"cryptopay/internal/providers/lnd"
	"cryptopay/internal/rates"
	"cryptopay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int               `envconfig:"PAYMENTD_PORT" default:"8085"`
	Environment string            `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string            `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string            `envconfig:"LOG_FORMAT" default:"json"`
	Store       string            `envconfig:"PAYMENTD_STORE" default:"postgres"`
	AdminKeys   map[string]string `envconfig:"PAYMENTD_ADMIN_KEYS"`
	HintSecret  string            `envconfig:"PAYMENTD_HINT_SECRET"`
	EnableNATS  bool              `envconfig:"PAYMENTD_ENABLE_NATS" default:"false"`

	Database  database.Config
	NATS      nats.Config
	Probe     probe.Config
	Allocator allocator.Config
	Monitor   monitor.Config
	Machine   machine.Policy
	Notify    notify.Config
	Rates     rates.Config
	Invoice   invoice.Config
}

func main() {
	// A missing .env is fine outside development
	_ = godotenv.Load()

	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Storage
	var (
		st     store.Store
		checks = map[string]func(context.Context) error{}
	)
	switch cfg.Store {
	case "postgres":
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
				logger.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgres(db)
		checks["database"] = db.HealthCheck
	case "memory":
		logger.Warn("using in-memory store; invoices are lost on restart")
		st = store.NewMemory()
	default:
		logger.Error("unknown store", "store", cfg.Store)
		os.Exit(1)
	}

	// Event bus
	var publisher events.EventPublisher
	if cfg.EnableNATS {
		nc, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if _, err := nc.EnsureStream(ctx, nats.DefaultStreamConfig(nats.StreamInvoices, []string{nats.SubjectInvoices})); err != nil {
			logger.Error("failed to ensure stream", "stream", nats.StreamInvoices, "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(nc, logger)
		checks["nats"] = nc.HealthCheck
	}

	// Ledger probes and destination allocation
	alloc, err := allocator.New(cfg.Allocator, logger)
	if err != nil {
		logger.Error("failed to create allocator", "error", err)
		os.Exit(1)
	}

	router := probe.NewRouter()
	for network, url := range cfg.Probe.EsploraURLs() {
		router.Handle(domain.OnChain, network, esplora.NewAdapter(esplora.Config{BaseURL: url, Network: network}, logger))
		logger.Info("on-chain probe configured", "network", network, "url", url)
	}
	if cfg.Probe.LNDURL != "" {
		network, err := domain.ParseNetwork(cfg.Probe.LNDNetwork)
		if err != nil {
			logger.Error("invalid lnd network", "error", err)
			os.Exit(1)
		}
		node := lnd.NewAdapter(lnd.Config{
			BaseURL:     cfg.Probe.LNDURL,
			MacaroonHex: cfg.Probe.LNDMacaroonHex,
			Network:     network,
			InsecureTLS: cfg.Probe.LNDInsecureTLS,
		}, logger)
		router.Handle(domain.OffChain, network, node)
		alloc.SetInvoiceCreator(network, node)
		logger.Info("off-chain probe configured", "network", network, "url", cfg.Probe.LNDURL)
	}

	oracle, err := rates.NewOracle(cfg.Rates, logger)
	if err != nil {
		logger.Error("failed to create price oracle", "error", err)
		os.Exit(1)
	}

	// Create services
	cfg.Invoice.DefaultConfirmations = cfg.Monitor.DefaultConfirmations
	invoiceService := invoice.NewService(cfg.Invoice, st, alloc, cfg.Machine, logger)
	invoiceService.SetOracle(oracle)
	if publisher != nil {
		invoiceService.SetPublisher(publisher)
	}

	cfg.Monitor.ProbeTimeout = cfg.Probe.Timeout
	paymentMonitor := monitor.New(probe.NewLimited(router, cfg.Probe.MaxConcurrent), cfg.Monitor, invoiceService.Dispatch, logger)
	paymentMonitor.SetObserver(invoiceService.Observe)
	invoiceService.SetWatcher(paymentMonitor)

	expiryTimer := expiry.New(clock.New(), invoiceService.Dispatch, logger)
	invoiceService.SetScheduler(expiryTimer)

	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if publisher != nil {
		sinks = append(sinks, notify.NewEventSink(publisher))
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}
	emitter := notify.NewEmitter(cfg.Notify, logger, sinks...)
	invoiceService.SetNotifier(emitter)

	// Resume watching invoices left open by a previous run
	var ready atomic.Bool
	go func() {
		n, err := invoiceService.Recover(ctx)
		if err != nil {
			logger.Error("recovery incomplete", "recovered", n, "error", err)
		} else {
			logger.Info("recovery complete", "recovered", n)
		}
		ready.Store(true)
	}()

	// Create handlers
	invoiceHandler := api.NewHandler(invoiceService, cfg.AdminKeys, logger)
	if cfg.HintSecret != "" {
		invoiceHandler.SetHintSecret(cfg.HintSecret)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.Warn("health check failed", "component", name, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready once open invoices are being watched again
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"recovering"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1/invoices", func(r chi.Router) {
		r.Mount("/", invoiceHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payment service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.Store,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop producers before draining consumers
	paymentMonitor.Stop()
	expiryTimer.Stop()
	invoiceService.Stop()
	if err := invoiceService.Wait(shutdownCtx); err != nil {
		logger.Error("invoice dispatch did not drain", "error", err)
	}
	if err := emitter.Wait(shutdownCtx); err != nil {
		logger.Error("notifications did not drain", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
