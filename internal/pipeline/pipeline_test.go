package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/keypoint"
	"poseoverlay/internal/pose"
	"poseoverlay/video"
)

type sliceSource struct {
	frames []*video.Frame
	err    error
	next   int
}

func (s *sliceSource) ReadFrame() (*video.Frame, error) {
	if s.next >= len(s.frames) {
		if nil != s.err {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

type sliceSink struct {
	frames []*video.Frame
	failAt int
}

func (s *sliceSink) WriteFrame(frame *video.Frame) error {
	if 0 < s.failAt && len(s.frames)+1 == s.failAt {
		return errors.New("disk full")
	}
	s.frames = append(s.frames, frame)
	return nil
}

// scriptedDetector returns results[i] for the i-th call.
type scriptedDetector struct {
	results map[int]*pose.Result
	calls   int
	err     error
	closed  bool
}

func (d *scriptedDetector) Detect(context.Context, image.Image) (*pose.Result, error) {
	d.calls++
	if nil != d.err {
		return nil, d.err
	}
	return d.results[d.calls], nil
}

func (d *scriptedDetector) Close() error {
	d.closed = true
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) FrameProcessed(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if nil == o.outcomes {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

// blankFrames returns n distinct dark gray frames.
func blankFrames(n, w, h int) []*video.Frame {
	frames := make([]*video.Frame, n)
	for i := range frames {
		frames[i] = video.NewFrame(w, h)
		for j := range frames[i].Pix {
			frames[i].Pix[j] = byte(10 + i)
		}
	}
	return frames
}

func shoulders(lx, ly, rx, ry float64) *pose.Result {
	r := &pose.Result{Landmarks: make([]pose.Landmark, keypoint.NumLandmarks), Score: 1}
	for i := range r.Landmarks {
		r.Landmarks[i] = pose.Landmark{X: 0.5, Y: 0.1, Visibility: 1, Presence: 1}
	}
	r.Landmarks[11] = pose.Landmark{X: lx, Y: ly, Visibility: 1, Presence: 1}
	r.Landmarks[12] = pose.Landmark{X: rx, Y: ry, Visibility: 1, Presence: 1}
	return r
}

func bgrAt(f *video.Frame, x, y int) color.RGBA {
	i := (y*f.Width + x) * 3
	return color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: 0xFF}
}

func TestRun_TenFrameScenario(t *testing.T) {
	in := blankFrames(10, 64, 48)
	src := &sliceSource{frames: in}
	sink := &sliceSink{}
	det := &scriptedDetector{results: map[int]*pose.Result{
		4: shoulders(0.25, 0.5, 0.75, 0.5),
	}}
	obs := &countingObserver{}

	sel, err := keypoint.Select("Left Shoulder", "Right Shoulder")
	require.NoError(t, err)
	overlay := annotate.NewOverlay(sel, annotate.DefaultStyle())

	var progress []Progress
	stats, err := Run(context.Background(), src, sink, det, overlay, RunOptions{
		Total:    10,
		Progress: func(p Progress) { progress = append(progress, p) },
		Observer: obs,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	assert.Equal(t, 10, stats.FramesRead)
	assert.Equal(t, 10, stats.FramesWritten)
	assert.Equal(t, 1, stats.FramesAnnotated)
	assert.Equal(t, 64, stats.Width)
	assert.Equal(t, 48, stats.Height)
	assert.Equal(t, map[string]int{OutcomeAnnotated: 1, OutcomePassthrough: 9}, obs.outcomes)

	require.Len(t, sink.frames, 10)
	for i, f := range sink.frames {
		if 3 == i {
			continue
		}
		assert.Equal(t, in[i].Pix, f.Pix, "frame %d must pass through unchanged", i)
	}

	annotated := sink.frames[3]
	assert.Equal(t, 64, annotated.Width)
	assert.Equal(t, 48, annotated.Height)
	assert.Equal(t, color.RGBA{R: 0xFF, A: 0xFF}, bgrAt(annotated, 32, 24), "line between shoulders")
	assert.Equal(t, color.RGBA{G: 0xFF, A: 0xFF}, bgrAt(annotated, 16, 24), "left shoulder marker")
	assert.Equal(t, color.RGBA{G: 0xFF, A: 0xFF}, bgrAt(annotated, 48, 24), "right shoulder marker")
	// unselected landmarks are not drawn
	assert.Equal(t, color.RGBA{R: 13, G: 13, B: 13, A: 0xFF}, bgrAt(annotated, 32, 4))

	require.Len(t, progress, 10)
	assert.Equal(t, 10, progress[9].Frame)
	assert.InDelta(t, 100, progress[9].Percent, 1e-9)
	assert.False(t, det.closed, "Run does not own the detector")
}

func TestRun_ReadErrorEndsStream(t *testing.T) {
	src := &sliceSource{frames: blankFrames(3, 4, 4), err: errors.New("corrupt packet")}
	sink := &sliceSink{}

	stats, err := Run(context.Background(), src, sink, &scriptedDetector{}, annotate.NewOverlay(keypoint.All(), annotate.DefaultStyle()), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.FramesWritten)
}

func TestRun_EmptySource(t *testing.T) {
	stats, err := Run(context.Background(), &sliceSource{}, &sliceSink{}, &scriptedDetector{}, annotate.NewOverlay(keypoint.All(), annotate.DefaultStyle()), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, stats.FramesRead)
	assert.Zero(t, stats.FramesWritten)
}

func TestRun_DetectorErrorAborts(t *testing.T) {
	sink := &sliceSink{}
	det := &scriptedDetector{err: errors.New("model exploded")}

	stats, err := Run(context.Background(), &sliceSource{frames: blankFrames(3, 4, 4)}, sink, det, annotate.NewOverlay(keypoint.All(), annotate.DefaultStyle()), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
	assert.Equal(t, 1, stats.FramesRead)
	assert.Empty(t, sink.frames)
}

func TestRun_SinkErrorAborts(t *testing.T) {
	sink := &sliceSink{failAt: 2}

	stats, err := Run(context.Background(), &sliceSource{frames: blankFrames(5, 4, 4)}, sink, &scriptedDetector{}, annotate.NewOverlay(keypoint.All(), annotate.DefaultStyle()), RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, stats.FramesWritten)
}

func TestRun_CancelledBetweenFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := Run(ctx, &sliceSource{frames: blankFrames(2, 4, 4)}, &sliceSink{}, &scriptedDetector{}, annotate.NewOverlay(keypoint.All(), annotate.DefaultStyle()), RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.FramesRead)
}

type recordingRecorder struct {
	countingObserver
	statuses []string
}

func (r *recordingRecorder) RunFinished(status string, _ time.Duration) {
	r.statuses = append(r.statuses, status)
}

func TestProcessor_ProbeFailure(t *testing.T) {
	rec := &recordingRecorder{}
	opened := false
	p := NewProcessor(Config{FFprobe: "/nonexistent/ffprobe", FFmpeg: "/nonexistent/ffmpeg"},
		pose.OpenerFunc(func(pose.Mode) (pose.Detector, error) {
			opened = true
			return &scriptedDetector{}, nil
		}),
		zap.NewNop(), rec)

	_, err := p.ProcessFile(context.Background(), "in.mp4", "out.mp4", Options{Selection: keypoint.All(), Style: annotate.DefaultStyle()})
	require.Error(t, err)
	assert.Equal(t, []string{StatusError}, rec.statuses)
	assert.False(t, opened)
}

func TestNewProcessor_Defaults(t *testing.T) {
	p := NewProcessor(Config{}, nil, zap.NewNop(), nil)
	assert.Equal(t, "ffmpeg", p.cfg.FFmpeg)
	assert.Equal(t, "ffprobe", p.cfg.FFprobe)
	assert.Equal(t, video.DefaultEncoderOptions(), p.cfg.Encoder)
}
