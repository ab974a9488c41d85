package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"poseoverlay/internal/config"
	"poseoverlay/internal/demo"
	"poseoverlay/internal/handlers"
	"poseoverlay/internal/job"
	"poseoverlay/internal/metrics"
	"poseoverlay/internal/pipeline"
	"poseoverlay/internal/pose"
	"poseoverlay/internal/server"
	"poseoverlay/internal/telemetry"
	"poseoverlay/video"
	"poseoverlay/web"
)

const metricsNamespace = "poseoverlay"

// Server owns every long-lived component of the serve command.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	providers *telemetry.Providers
	collector *metrics.Collector
	jobs      *job.Manager
	handler   http.Handler

	http    *server.Manager
	metrics *server.Manager

	cancel context.CancelFunc
}

// newOpener builds the configured pose backend.
func newOpener(cfg config.PoseConfig, logger *zap.Logger) (pose.Opener, error) {
	thresholds := pose.Config{
		MinDetectionConfidence: cfg.MinDetectionConfidence,
		MinTrackingConfidence:  cfg.MinTrackingConfidence,
	}

	switch cfg.Backend {
	case config.BackendProcess:
		return pose.NewProcessOpener(pose.ProcessConfig{
			Config:      thresholds,
			Command:     cfg.Command,
			StopTimeout: cfg.StopTimeout,
		}, logger)
	case config.BackendONNX:
		return pose.NewONNXOpener(pose.ONNXConfig{
			Config:          thresholds,
			ModelPath:       cfg.ModelPath,
			InputSize:       cfg.InputSize,
			Layout:          cfg.Layout,
			ScoreActivation: cfg.ScoreActivation,
		}, logger)
	}

	return nil, fmt.Errorf("unknown pose backend %q", cfg.Backend)
}

// newProcessor builds the video processor. recorder may be nil.
func newProcessor(cfg config.VideoConfig, opener pose.Opener, logger *zap.Logger, recorder pipeline.Recorder) *pipeline.Processor {
	return pipeline.NewProcessor(pipeline.Config{
		FFmpeg:  cfg.FFmpeg,
		FFprobe: cfg.FFprobe,
		Encoder: video.EncoderOptions{
			Codec:   cfg.Codec,
			Tag:     cfg.Tag,
			Quality: cfg.Quality,
		},
		KeepAudio: cfg.KeepAudio,
		LogEvery:  cfg.LogEvery,
	}, opener, logger, recorder)
}

// NewServer wires the components together.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if nil != err {
		logger.Warn("telemetry unavailable", zap.Error(err))
		providers = &telemetry.Providers{}
	}

	opener, err := newOpener(cfg.Pose, logger)
	if nil != err {
		return nil, fmt.Errorf("pose backend: %w", err)
	}

	collector := metrics.NewCollector(metricsNamespace, logger)
	processor := newProcessor(cfg.Video, opener, logger, collector)

	jobs := job.NewManager(job.Config{
		Workers:         cfg.Jobs.Workers,
		QueueSize:       cfg.Jobs.QueueSize,
		Retention:       cfg.Jobs.Retention,
		JanitorInterval: cfg.Jobs.JanitorInterval,
		TempDir:         cfg.Jobs.TempDir,
	}, processor, logger)
	collector.TrackQueue(metricsNamespace, jobs.Pending)

	source := demo.NewSource(demo.Config{
		ImagePath:    cfg.Demo.ImagePath,
		ImageURL:     cfg.Demo.ImageURL,
		FetchTimeout: cfg.Demo.FetchTimeout,
		MaxBytes:     cfg.Demo.MaxBytes,
	}, nil, logger)
	previewer := demo.NewPreviewer(source, opener, logger)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		collector: collector,
		jobs:      jobs,
		cancel:    cancel,
	}

	s.handler = s.routes(ctx, previewer)
	s.http = server.NewManager(s.handler, server.Config{
		Name:            "http",
		Addr:            ":" + strconv.Itoa(cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if 0 != cfg.Server.MetricsPort {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", collector.Handler())

		s.metrics = server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            ":" + strconv.Itoa(cfg.Server.MetricsPort),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     time.Minute,
			ShutdownTimeout: 5 * time.Second,
		}, logger)
	}

	return s, nil
}

func (s *Server) routes(ctx context.Context, previewer *demo.Previewer) http.Handler {
	health := handlers.NewHealthHandler(s.logger)
	for _, bin := range []string{s.cfg.Video.FFmpeg, s.cfg.Video.FFprobe} {
		health.RegisterCheck(handlers.CheckFunc{
			CheckName: bin,
			Fn: func(context.Context) error {
				_, err := exec.LookPath(bin)
				return err
			},
		})
	}
	health.RegisterCheck(handlers.CheckFunc{
		CheckName: "job_queue",
		Fn: func(context.Context) error {
			if s.jobs.Pending() >= s.cfg.Jobs.QueueSize {
				return errors.New("job queue is full")
			}
			return nil
		},
	})

	preview := handlers.NewPreviewHandler(previewer, s.collector, s.logger)
	videos := handlers.NewVideoHandler(s.jobs, s.cfg.Server.MaxUploadBytes, s.collector, s.logger)

	limit := func(h http.HandlerFunc) http.Handler { return h }
	if 0 < s.cfg.Server.RateLimitRPS {
		limiter := RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger)
		limit = func(h http.HandlerFunc) http.Handler { return limiter(h) }
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("GET /api/v1/keypoints", handlers.HandleKeypoints)
	mux.Handle("GET /api/v1/preview", limit(preview.HandlePreview))
	mux.Handle("POST /api/v1/videos", limit(videos.HandleProcess))
	mux.Handle("POST /api/v1/jobs", limit(videos.HandleSubmit))
	mux.HandleFunc("GET /api/v1/jobs/{id}", videos.HandleGet)
	mux.HandleFunc("GET /api/v1/jobs/{id}/progress", videos.HandleProgress)
	mux.HandleFunc("GET /api/v1/jobs/{id}/video", videos.HandleDownload)

	mux.Handle("GET /", handlers.UI(web.Assets))

	return Chain(mux,
		RequestID(),
		Recovery(s.logger),
		OTelTracing(),
		RequestLogger(s.logger),
		Metrics(s.collector),
		SecurityHeaders(),
	)
}

// Start starts the listeners.
func (s *Server) Start() error {
	if err := s.http.Start(); nil != err {
		return err
	}

	if nil != s.metrics {
		if err := s.metrics.Start(); nil != err {
			return err
		}
	}

	return nil
}

// WaitForShutdown blocks until SIGINT, SIGTERM or a listener failure, then
// shuts everything down. It returns the listener failure, if any.
func (s *Server) WaitForShutdown() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsErrs <-chan error
	if nil != s.metrics {
		metricsErrs = s.metrics.Errors()
	}

	var err error
	select {
	case <-ctx.Done():
		s.logger.Info("received shutdown signal")
	case err = <-s.http.Errors():
	case err = <-metricsErrs:
	}

	s.Shutdown()

	return err
}

// Shutdown stops accepting requests, cancels running jobs, removes their
// files and flushes telemetry.
func (s *Server) Shutdown() {
	ctx := context.Background()

	if err := s.http.Shutdown(ctx); nil != err {
		s.logger.Warn("http shutdown", zap.Error(err))
	}

	if err := s.jobs.Close(); nil != err {
		s.logger.Warn("job manager close", zap.Error(err))
	}

	if nil != s.metrics {
		if err := s.metrics.Shutdown(ctx); nil != err {
			s.logger.Warn("metrics shutdown", zap.Error(err))
		}
	}

	s.cancel()

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.providers.Shutdown(flushCtx); nil != err {
		s.logger.Warn("telemetry shutdown", zap.Error(err))
	}
}
