// Package pipeline runs the per-frame decode, detect, annotate and encode loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/pose"
	"poseoverlay/video"
)

// Frame outcomes reported to observers.
const (
	OutcomeAnnotated   = "annotated"
	OutcomePassthrough = "passthrough"
)

// FrameSource yields decoded frames until it returns an error.
type FrameSource interface {
	ReadFrame() (*video.Frame, error)
}

// FrameSink consumes frames in order.
type FrameSink interface {
	WriteFrame(frame *video.Frame) error
}

// Observer is notified of every processed frame.
type Observer interface {
	FrameProcessed(outcome string, detect time.Duration)
}

// RunOptions tune a single Run.
type RunOptions struct {
	// Total is the expected frame count, 0 when unknown.
	Total    int
	Progress ProgressFunc
	Observer Observer
	Logger   *zap.Logger
}

// Stats summarizes a run. FPS is the source frame rate when known.
type Stats struct {
	FramesRead      int           `json:"frames_read"`
	FramesWritten   int           `json:"frames_written"`
	FramesAnnotated int           `json:"frames_annotated"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	FPS             float64       `json:"fps"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Run pumps frames from src to dst. Every frame read is written, with the
// overlay drawn on it when the detector found a pose. A read error of any
// kind ends the stream; detector and sink errors abort the run.
func Run(ctx context.Context, src FrameSource, dst FrameSink, det pose.Detector, overlay *annotate.Overlay, opts RunOptions) (Stats, error) {
	logger := opts.Logger
	if nil == logger {
		logger = zap.NewNop()
	}

	var stats Stats
	started := time.Now()
	meter := newProgressMeter(opts.Total)

	defer func() {
		stats.Elapsed = time.Since(started)
	}()

	for {
		if err := ctx.Err(); nil != err {
			return stats, err
		}

		frame, err := src.ReadFrame()
		if nil != err {
			if !errors.Is(err, io.EOF) {
				logger.Debug("frame read failed, ending stream",
					zap.Int("frame", stats.FramesRead),
					zap.Error(err),
				)
			}
			break
		}

		stats.FramesRead++
		if 0 == stats.Width {
			stats.Width, stats.Height = frame.Width, frame.Height
		}

		img := video.BGRToRGBA(frame)

		start := time.Now()
		result, err := det.Detect(ctx, img)
		took := time.Since(start)
		if nil != err {
			return stats, fmt.Errorf("detect pose in frame %d: %w", stats.FramesRead, err)
		}

		outcome := OutcomePassthrough
		if nil != result {
			frame = video.RGBAToBGR(overlay.Apply(img, result))
			outcome = OutcomeAnnotated
			stats.FramesAnnotated++
		}

		if err := dst.WriteFrame(frame); nil != err {
			return stats, fmt.Errorf("write frame %d: %w", stats.FramesRead, err)
		}
		stats.FramesWritten++

		if nil != opts.Observer {
			opts.Observer.FrameProcessed(outcome, took)
		}

		p := meter.tick()
		if nil != opts.Progress {
			opts.Progress(p)
		}
	}

	return stats, nil
}
