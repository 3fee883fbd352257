package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"video-overlay/internal/av"
	"video-overlay/internal/codec"
	"video-overlay/internal/database"
	"video-overlay/internal/demux"
	"video-overlay/internal/handlers"
	"video-overlay/internal/jobs"
	"video-overlay/internal/logging"
	"video-overlay/internal/media"
	"video-overlay/internal/memory"
	"video-overlay/internal/metrics"
	"video-overlay/internal/middleware"
	mp4mux "video-overlay/internal/mux"
	"video-overlay/internal/pipeline"
	"video-overlay/internal/source"
	"video-overlay/internal/startup"
)

const (
	statsInterval     = time.Minute
	retentionInterval = 10 * time.Minute
	dbMetricsInterval = 30 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// services holds everything handleShutdown stops.
type services struct {
	server        *http.Server
	metricsServer *http.Server
	jobs          *jobs.Manager
	ffmpeg        *codec.FFmpeg
	monitor       *memory.Monitor
	collector     *metrics.Collector
	db            *database.Database
	stopDBMetrics context.CancelFunc
	done          chan struct{}
}

func main() {
	startTime := time.Now()

	memResult := memory.ConfigureFromEnv()

	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}
	startup.LogMemoryConfig(memResult)

	metrics.InitializeMetrics()
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)

	monitor := memory.NewMonitor(memory.ConfigFromEnv())
	monitor.Start()

	dbStart := time.Now()
	db, err := database.New(context.Background(), config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	startup.LogDatabaseInit(time.Since(dbStart))

	dbMetricsCtx, stopDBMetrics := context.WithCancel(context.Background())
	go updateDBMetrics(dbMetricsCtx, db)

	// A missing ffmpeg is reported by the health check; image previews and
	// job history keep working without it.
	_ = startup.LogCodecInit(config.FFmpegPath)
	ffmpeg := codec.NewFFmpeg(config.FFmpegPath, &av.FrameCounter{})

	sources := source.Opener{Options: sourceOptions(config)}
	coordinator := pipeline.Coordinator{
		Sources:  sources,
		Demuxer:  demux.MP4{},
		Codecs:   ffmpeg,
		NewMuxer: func() mp4mux.Muxer { return mp4mux.NewFMP4() },
	}

	manager, err := jobs.NewManager(context.Background(), jobs.Options{
		Sources:     sources,
		Run:         jobs.CoordinatorRunner(coordinator),
		Store:       db,
		Memory:      monitor,
		OutputDir:   config.OutputDir,
		Concurrency: config.PipelineWorkers,
		Defaults: pipeline.Config{
			BatchSize:        config.BatchSize,
			KeyFrameInterval: config.KeyFrameInterval,
		},
		Retention: config.JobRetention,
	})
	if err != nil {
		startup.LogFatal("Failed to initialize job manager: %v", err)
	}
	manager.StartRetention(retentionInterval)
	startup.LogJobManagerInit(config.PipelineWorkers, config.JobRetention)

	if err := media.InitVips(); err != nil {
		logging.Warn("libvips unavailable, previews use imaging: %v", err)
	}
	previewer := &media.Previewer{Sources: sources, Demuxer: demux.MP4{}, Codecs: ffmpeg}
	startup.LogPreviewInit(previewer.Backend())

	collector := metrics.NewCollector(manager, statsInterval)
	collector.Start()

	h := handlers.New(manager, previewer, db, ffmpeg, config)
	router := setupRouter(h)
	startup.LogHTTPRoutes(router, config.LogOutputFetches, config.LogHealthChecks)

	srv := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           wrapMiddleware(router, config),
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads and output downloads can take longer than any fixed limit.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsSrv = startMetricsServer(config.MetricsPort)
	}

	svc := &services{
		server:        srv,
		metricsServer: metricsSrv,
		jobs:          manager,
		ffmpeg:        ffmpeg,
		monitor:       monitor,
		collector:     collector,
		db:            db,
		stopDBMetrics: stopDBMetrics,
		done:          make(chan struct{}),
	}
	go handleShutdown(svc)

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-svc.done
}

func sourceOptions(config *startup.Config) source.Options {
	opts := source.DefaultOptions()
	opts.Timeout = config.FetchTimeout
	opts.MaxSize = config.MaxUploadSize
	return opts
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	r.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	return r
}

// wrapMiddleware applies, outermost first: request IDs, access logging,
// metrics and compression.
func wrapMiddleware(router *mux.Router, config *startup.Config) http.Handler {
	compressed := middleware.Compression(middleware.DefaultCompressionConfig())(router)

	instrumented := middleware.Metrics(middleware.DefaultMetricsConfig())(compressed)

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggingConfig.LogOutputFetches = config.LogOutputFetches
	logged := middleware.Logger(loggingConfig)(instrumented)

	return middleware.RequestID(logged)
}

func startMetricsServer(port string) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", handlers.MetricsHandler())
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

func updateDBMetrics(ctx context.Context, db *database.Database) {
	ticker := time.NewTicker(dbMetricsInterval)
	defer ticker.Stop()
	for {
		db.UpdateDBMetrics()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func handleShutdown(s *services) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownStep("Cancelling jobs")
	s.jobs.Cleanup()
	startup.LogShutdownStepComplete("Jobs stopped")

	startup.LogShutdownStep("Stopping codec processes")
	s.ffmpeg.Cleanup()
	startup.LogShutdownStepComplete("Codec processes stopped")

	s.collector.Stop()
	s.monitor.Stop()
	s.stopDBMetrics()

	if s.metricsServer != nil {
		startup.LogShutdownStep("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Metrics server stopped")
		}
	}

	media.ShutdownVips()

	startup.LogShutdownStep("Closing database")
	if err := s.db.Close(); err != nil {
		logging.Warn("Database close error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Database closed")
	}

	startup.LogShutdownComplete()
	close(s.done)
}
