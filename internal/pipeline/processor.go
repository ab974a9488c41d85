package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/keypoint"
	"poseoverlay/internal/pose"
	"poseoverlay/video"
)

// Run statuses reported to recorders.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrNoFrames is returned when the input yields no decodable frame.
var ErrNoFrames = errors.New("video contains no decodable frames")

// Config locates the ffmpeg tools and selects the output encoding.
type Config struct {
	FFmpeg    string
	FFprobe   string
	Encoder   video.EncoderOptions
	KeepAudio bool
	// LogEvery logs progress every n frames.
	LogEvery int
}

// Recorder collects per-frame and per-run measurements.
type Recorder interface {
	Observer
	RunFinished(status string, took time.Duration)
}

// Options are the user choices for one run.
type Options struct {
	Selection keypoint.Selection
	Style     annotate.Style
	Progress  ProgressFunc
}

// Processor annotates video files.
type Processor struct {
	cfg      Config
	opener   pose.Opener
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// NewProcessor builds a processor. recorder may be nil.
func NewProcessor(cfg Config, opener pose.Opener, logger *zap.Logger, recorder Recorder) *Processor {
	if "" == cfg.FFmpeg {
		cfg.FFmpeg = "ffmpeg"
	}
	if "" == cfg.FFprobe {
		cfg.FFprobe = "ffprobe"
	}
	if "" == cfg.Encoder.Codec {
		cfg.Encoder = video.DefaultEncoderOptions()
	}

	return &Processor{
		cfg:      cfg,
		opener:   opener,
		logger:   logger.With(zap.String("component", "pipeline")),
		recorder: recorder,
		tracer:   otel.Tracer("poseoverlay/pipeline"),
	}
}

// ProcessFile writes an annotated copy of in to out. The output has the
// input's frame rate and dimensions.
func (p *Processor) ProcessFile(ctx context.Context, in, out string, opts Options) (Stats, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.ProcessFile",
		trace.WithAttributes(
			attribute.String("video.input", filepath.Base(in)),
			attribute.IntSlice("pose.keypoints", opts.Selection.Indices()),
		),
	)
	defer span.End()

	started := time.Now()
	logger := p.logger.With(zap.String("input", in), zap.String("output", out))
	logger.Info("processing video", zap.Strings("keypoints", opts.Selection.Names()))

	stats, err := p.process(ctx, in, out, opts, logger)
	took := time.Since(started)

	span.SetAttributes(
		attribute.Int("video.frames", stats.FramesWritten),
		attribute.Int("video.frames_annotated", stats.FramesAnnotated),
	)

	status := StatusSuccess
	if nil != err {
		status = StatusError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("video processing failed", zap.Error(err), zap.Duration("took", took))
	} else {
		logger.Info("video processed",
			zap.Int("frames", stats.FramesWritten),
			zap.Int("annotated", stats.FramesAnnotated),
			zap.Duration("took", took),
		)
	}

	if nil != p.recorder {
		p.recorder.RunFinished(status, took)
	}

	return stats, err
}

func (p *Processor) process(ctx context.Context, in, out string, opts Options, logger *zap.Logger) (stats Stats, err error) {
	meta, err := video.Probe(ctx, p.cfg.FFprobe, in)
	if nil != err {
		return Stats{}, fmt.Errorf("probe video: %w", err)
	}

	logger.Debug("video metadata",
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
		zap.Int("frames", meta.Frames),
		zap.Float64("fps", meta.FPS),
		zap.Int("rotation", meta.Rotation),
	)

	det, err := p.opener.Open(pose.ModeVideo)
	if nil != err {
		return Stats{}, fmt.Errorf("open pose detector: %w", err)
	}
	defer func() {
		if err := det.Close(); nil != err {
			logger.Warn("pose detector close", zap.Error(err))
		}
	}()

	dec, err := video.NewDecoder(ctx, p.cfg.FFmpeg, in, meta)
	if nil != err {
		return Stats{}, err
	}
	defer func() {
		if err := dec.Close(); nil != err {
			logger.Debug("decoder close", zap.Error(err))
		}
	}()

	encOpts := p.cfg.Encoder
	if p.cfg.KeepAudio {
		encOpts.AudioSource = in
	}

	enc, err := video.NewEncoder(ctx, p.cfg.FFmpeg, out, meta, encOpts)
	if nil != err {
		return Stats{}, err
	}

	// a failed run leaves no partial output behind
	defer func() {
		if nil == err {
			return
		}
		if rerr := os.Remove(out); nil != rerr && !errors.Is(rerr, os.ErrNotExist) {
			logger.Warn("remove partial output", zap.Error(rerr))
		}
	}()

	overlay := annotate.NewOverlay(opts.Selection, opts.Style)

	stats, runErr := Run(ctx, dec, enc, det, overlay, RunOptions{
		Total:    meta.Frames,
		Progress: Fanout(LogProgress(logger, p.cfg.LogEvery), opts.Progress),
		Observer: p.recorder,
		Logger:   logger,
	})
	stats.FPS = meta.FPS

	encErr := enc.Close()

	logger.Debug("codec frame counts",
		zap.Int("decoded", dec.Frames()),
		zap.Int("encoded", enc.Frames()),
	)

	switch {
	case nil != runErr:
		return stats, runErr
	case 0 == stats.FramesWritten:
		return stats, ErrNoFrames
	case nil != encErr:
		return stats, encErr
	case enc.Frames() != stats.FramesWritten:
		return stats, fmt.Errorf("encoder accepted %d frames, pipeline wrote %d", enc.Frames(), stats.FramesWritten)
	}

	return stats, nil
}
