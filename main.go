package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"uniclon/internal/adaptive"
	"uniclon/internal/batch"
	"uniclon/internal/database"
	"uniclon/internal/filesystem"
	"uniclon/internal/handlers"
	"uniclon/internal/hostload"
	"uniclon/internal/logging"
	"uniclon/internal/metrics"
	"uniclon/internal/middleware"
	"uniclon/internal/recovery"
	"uniclon/internal/render"
	"uniclon/internal/scheduler"
	"uniclon/internal/startup"

	"github.com/gorilla/mux"
)

func main() {
	startTime := time.Now()

	startup.ConfigureMemoryLimit()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	metrics.InitializeMetrics()
	filesystem.SetObserver(metrics.NewFilesystemObserver())
	filesystem.SetDefaultVolumes(filesystem.NewVolumes(map[string]string{
		"output":   config.OutputDir,
		"checks":   config.ChecksDir,
		"database": config.DatabaseDir,
	}))

	// Run ledger
	dbStart := time.Now()
	db, err := database.New(context.Background(), config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	startup.LogDatabaseInit(time.Since(dbStart))

	startup.LogRendererInit(config)

	// Adaptive generation mode
	controller := adaptive.NewController(adaptive.OpenStore(config.HistoryPath))
	mode, _ := controller.CurrentMode()

	// Admission scheduler
	schedCfg := scheduler.Config{
		Slots:            config.RenderSlots,
		EcoMode:          config.EcoMode,
		EcoCopyThreshold: config.EcoCopyThreshold,
		CPUThreshold:     config.CPUThreshold,
		PollInterval:     config.CPUPollInterval,
		Modes:            controller,
	}
	if sampler, err := hostload.NewSampler(); err != nil {
		logging.Warn("CPU sampler unavailable, admission is not CPU gated: %v", err)
	} else {
		schedCfg.Sampler = sampler
	}
	sched := scheduler.New(schedCfg)
	startup.LogSchedulerInit(config, mode)

	runner := render.NewRunner(render.Options{
		ScriptPath:   config.ScriptPath,
		OutputDir:    config.OutputDir,
		PreviewDir:   config.PreviewDir,
		Profile:      config.Profile,
		Quality:      config.Quality,
		NoDeviceInfo: config.NoDeviceInfo,
		MusicVariant: config.MusicVariant,
	})

	service := batch.New(batch.Config{
		Salt:           config.Salt,
		DefaultProfile: config.Profile,
		CopyTimeout:    config.CopyTimeout,
		RetryDelay:     recovery.DefaultDelay,
		ReportPath:     config.ReportPath,
		StaleOutputAge: config.OutputTTL,
		MaxCopies:      config.MaxCopies,
	}, batch.Deps{
		Scheduler: sched,
		Runner:    runner,
		Ledger:    db,
		Auditor:   batch.NewReportAuditor(config.ChecksDir, config.OutputDir, config.FFmpegPath),
		Tuner:     controller,
		Cleaner:   batch.NewOutputTracker(),
	})

	var collector *metrics.Collector
	var metricsServer *http.Server
	if config.MetricsEnabled {
		collector = metrics.NewCollector(db, time.Minute)
		collector.Start()
	}

	h := handlers.New(service, sched, db, controller, config)

	router := setupRouter(h)
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler := middleware.Compression(middleware.DefaultCompressionConfig())(
		middleware.Logger(loggingConfig)(router),
	)

	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", h.MetricsHandler())
		metricsServer = &http.Server{
			Addr:              ":" + config.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		handleShutdown(srv, metricsServer, collector, service, sched, runner, db)
		close(done)
	}()

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		startup.LogFatal("Server error: %v", err)
	}
	<-done
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))

	// Probes and build info
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/renders", h.SubmitRender).Methods("POST")
	api.HandleFunc("/queue", h.GetQueue).Methods("GET")
	api.HandleFunc("/tickets/{id}", h.GetTicket).Methods("GET")
	api.HandleFunc("/tickets/{id}", h.CancelTicket).Methods("DELETE")
	api.HandleFunc("/users/{id}/tickets", h.GetUserTickets).Methods("GET")
	api.HandleFunc("/reports", h.GetReports).Methods("GET")

	return r
}

func handleShutdown(srv, metricsServer *http.Server, collector *metrics.Collector,
	service *batch.Service, sched *scheduler.Scheduler, runner *render.Runner, db *database.Database,
) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownStep("Stopping render batches")
	if err := service.Shutdown(ctx); err != nil {
		logging.Warn("Render batches still running at shutdown: %v", err)
	} else {
		startup.LogShutdownStepComplete("Render batches stopped")
	}

	startup.LogShutdownStep("Stopping transcode processes")
	runner.Cleanup()
	startup.LogShutdownStepComplete("Transcode processes stopped")

	startup.LogShutdownStep("Closing scheduler")
	sched.Close()
	startup.LogShutdownStepComplete("Scheduler closed")

	if collector != nil {
		collector.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		}
	}

	startup.LogShutdownStep("Closing database")
	if err := db.Close(); err != nil {
		logging.Warn("Database close error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Database closed")
	}

	startup.LogShutdownComplete()
}
