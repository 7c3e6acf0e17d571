package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fbettag/unifi-optimizer/internal/apply"
	"github.com/fbettag/unifi-optimizer/internal/audit"
	"github.com/fbettag/unifi-optimizer/internal/auth"
	"github.com/fbettag/unifi-optimizer/internal/config"
	"github.com/fbettag/unifi-optimizer/internal/handlers"
	"github.com/fbettag/unifi-optimizer/internal/metrics"
	"github.com/fbettag/unifi-optimizer/internal/pipeline"
	"github.com/fbettag/unifi-optimizer/internal/plan"
	"github.com/fbettag/unifi-optimizer/internal/unifi"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	Version = "dev" // Set by build process
)

var (
	configFile  = flag.String("config", "config.yaml", "Path to configuration file")
	port        = flag.Int("port", 8080, "Port to run the API server on")
	dbPath      = flag.String("database", "", "Path to database file (overrides config)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("UniFi Optimizer %s\n", Version)
		os.Exit(0)
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	switch *logLevel {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.Infof("Starting UniFi Optimizer %s", Version)

	// Load or initialize configuration
	cfg, err := config.LoadOrInitialize(*configFile)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	databasePath := cfg.DatabasePath
	if *dbPath != "" {
		databasePath = *dbPath
		logger.Infof("Using database path from command line: %s", databasePath)
	}

	// Initialize audit store
	store, err := audit.Initialize(databasePath)
	if err != nil {
		logger.Fatalf("Failed to initialize audit store: %v", err)
	}
	defer store.Close()

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	sessionStore := auth.NewSessionStore(cfg.SessionSecret)

	app := &handlers.App{
		Config:       cfg,
		ConfigPath:   *configFile,
		Store:        store,
		Logger:       logger,
		SessionStore: sessionStore,
	}

	// Connect to the controller if configured; without it the API still
	// serves setup, login and history.
	if cfg.IsConfigured() {
		unifiLogger := unifi.NewLogrusAdapter(logger)
		client := unifi.NewClient(cfg.UniFi.ControllerURL, cfg.UniFi.Username, cfg.UniFi.Password, unifi.ClientOptions{
			Site:              cfg.UniFi.SiteID,
			RequestsPerSecond: cfg.UniFi.RequestsPerSecond,
			RequestTimeout:    time.Duration(cfg.UniFi.RequestTimeoutSec) * time.Second,
			Metrics:           m,
		}, unifiLogger)
		if err := client.Login(); err != nil {
			logger.Fatalf("Failed to login to UniFi controller: %v", err)
		}

		app.UniFiClient = client
		app.Pipeline = pipeline.NewManager(client, store, cfg, logger, m)
		app.Planner = plan.NewPlanner(client, logger)
		app.Applier = apply.NewApplier(client, store, cfg.Apply, logger, m)
	} else {
		logger.Warn("Controller not configured yet, POST /api/setup to finish setup")
	}

	// Retention cleanup, daily
	stopCleanup := make(chan struct{})
	go retentionLoop(store, cfg.Apply.RetentionDays, logger, stopCleanup)

	router := setupRoutes(app, registry)

	addr := fmt.Sprintf(":%d", *port)
	logger.Infof("Starting server on http://localhost%s", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // apply calls wait on the controller
		IdleTimeout:  60 * time.Second,
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Info("Shutting down...")
		close(stopCleanup)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Errorf("Server shutdown: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

// retentionLoop trims audit records past the retention window once a day.
func retentionLoop(store *audit.Store, retentionDays int, logger *logrus.Logger, stop <-chan struct{}) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := store.DeleteOldRecords(retentionDays)
			if err != nil {
				logger.Errorf("Retention cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Infof("Retention cleanup removed %d change records older than %d days", n, retentionDays)
			}
		case <-stop:
			return
		}
	}
}

func setupRoutes(app *handlers.App, registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()

	// Public routes
	router.HandleFunc("/api/setup", app.SetupAPIHandler).Methods("POST")
	router.HandleFunc("/api/login", app.LoginHandler).Methods("POST")
	router.HandleFunc("/api/status", app.GetStatusHandler).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	// Protected routes (require authentication)
	api := router.PathPrefix("/api").Subrouter()
	api.Use(app.AuthMiddleware)

	api.HandleFunc("/logout", app.LogoutHandler).Methods("POST")

	api.HandleFunc("/analysis", app.StartAnalysisHandler).Methods("POST")
	api.HandleFunc("/analysis/latest", app.LatestResultHandler).Methods("GET")
	api.HandleFunc("/analysis/{id}/status", app.AnalysisStatusHandler).Methods("GET")
	api.HandleFunc("/analysis/{id}/result", app.AnalysisResultHandler).Methods("GET")
	api.HandleFunc("/analysis/{id}/cancel", app.CancelAnalysisHandler).Methods("POST")
	api.HandleFunc("/analysis/{id}/preview", app.PreviewHandler).Methods("POST")
	api.HandleFunc("/analysis/{id}/apply", app.ApplyHandler).Methods("POST")

	api.HandleFunc("/changes", app.ChangeHistoryHandler).Methods("GET")
	api.HandleFunc("/changes/{id}/revert", app.RevertHandler).Methods("POST")

	api.HandleFunc("/settings", app.GetSettingsHandler).Methods("GET")
	api.HandleFunc("/settings", app.UpdateSettingsHandler).Methods("PUT")

	return router
}
