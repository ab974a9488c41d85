package pose

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"poseoverlay/internal/keypoint"
)

// ErrWorkerExited is returned when the worker process is gone.
var ErrWorkerExited = errors.New("pose worker exited")

// maxLine bounds a single worker response.
const maxLine = 1 << 20

// ProcessConfig configures the external worker backend. The worker reads one
// JSON request per line on stdin and answers with one JSON line on stdout.
type ProcessConfig struct {
	Config

	Command     []string
	JPEGQuality int
	StopTimeout time.Duration
}

type workerRequest struct {
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Image  string `json:"image"`
}

type workerResponse struct {
	Seq       uint64     `json:"seq"`
	Landmarks []Landmark `json:"landmarks"`
	Score     *float64   `json:"score,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ProcessOpener starts one worker process per opened detector.
type ProcessOpener struct {
	cfg    ProcessConfig
	logger *zap.Logger
}

// NewProcessOpener validates the worker command.
func NewProcessOpener(cfg ProcessConfig, logger *zap.Logger) (*ProcessOpener, error) {
	if 0 == len(cfg.Command) || "" == cfg.Command[0] {
		return nil, errors.New("pose worker command is required")
	}

	if 0 >= cfg.JPEGQuality || 100 < cfg.JPEGQuality {
		cfg.JPEGQuality = 90
	}

	if 0 >= cfg.StopTimeout {
		cfg.StopTimeout = 2 * time.Second
	}

	return &ProcessOpener{cfg: cfg, logger: logger}, nil
}

func (o *ProcessOpener) args(mode Mode) []string {
	args := append([]string{}, o.cfg.Command[1:]...)
	return append(args,
		"--mode", mode.String(),
		"--min-detection-confidence", strconv.FormatFloat(o.cfg.MinDetectionConfidence, 'f', -1, 64),
		"--min-tracking-confidence", strconv.FormatFloat(o.cfg.MinTrackingConfidence, 'f', -1, 64),
	)
}

// Open spawns the worker.
func (o *ProcessOpener) Open(mode Mode) (Detector, error) {
	cmd := exec.Command(o.cfg.Command[0], o.args(mode)...)

	stdin, err := cmd.StdinPipe()
	if nil != err {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if nil != err {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if nil != err {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}

	if err := cmd.Start(); nil != err {
		return nil, fmt.Errorf("start pose worker: %w", err)
	}

	logger := o.logger.With(zap.Int("pid", cmd.Process.Pid), zap.Stringer("mode", mode))
	logger.Debug("pose worker started", zap.Strings("command", o.cfg.Command))

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		logStderr(stderr, logger)
	}()

	d := newStreamDetector(stdin, stdout, o.cfg, logger)
	d.kill = cmd.Process.Kill

	// pipes must be drained before Wait closes them
	go func() {
		<-d.readDone
		readers.Wait()

		if err := cmd.Wait(); nil != err {
			logger.Debug("pose worker exited", zap.Error(err))
		}
	}()

	return d, nil
}

// logStderr forwards worker log lines, mapping level prefixes.
func logStderr(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		upper := strings.ToUpper(line)

		switch {
		case strings.Contains(upper, "[ERROR]"), strings.Contains(upper, "[CRITICAL]"):
			logger.Error("pose worker", zap.String("line", line))
		case strings.Contains(upper, "[WARN"):
			logger.Warn("pose worker", zap.String("line", line))
		default:
			logger.Debug("pose worker", zap.String("line", line))
		}
	}
}

// streamDetector talks to a worker over a request writer and a response
// reader. Requests and responses are strictly alternating.
type streamDetector struct {
	cfg    ProcessConfig
	logger *zap.Logger

	stdin    io.WriteCloser
	lines    chan []byte
	readDone chan struct{}

	seq uint64

	kill     func() error
	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error

	closeOnce sync.Once
}

func newStreamDetector(stdin io.WriteCloser, stdout io.Reader, cfg ProcessConfig, logger *zap.Logger) *streamDetector {
	d := &streamDetector{
		cfg:      cfg,
		logger:   logger,
		stdin:    stdin,
		lines:    make(chan []byte),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}

	go d.readLines(stdout)

	return d
}

func (d *streamDetector) readLines(r io.Reader) {
	defer close(d.readDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)

		select {
		case d.lines <- line:
		case <-d.exited:
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}

	err := scanner.Err()
	if nil == err {
		err = io.EOF
	}
	d.exit(err)
}

func (d *streamDetector) exit(err error) {
	d.exitOnce.Do(func() {
		d.exitErr = err
		close(d.exited)
	})
}

func (d *streamDetector) Detect(ctx context.Context, img image.Image) (*Result, error) {
	select {
	case <-d.exited:
		return nil, fmt.Errorf("%w: %v", ErrWorkerExited, d.exitErr)
	default:
	}

	d.seq++

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.cfg.JPEGQuality}); nil != err {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	b := img.Bounds()
	line, err := json.Marshal(workerRequest{
		Seq:    d.seq,
		Width:  b.Dx(),
		Height: b.Dy(),
		Image:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if nil != err {
		return nil, err
	}

	if _, err := d.stdin.Write(append(line, '\n')); nil != err {
		return nil, fmt.Errorf("write to pose worker: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.exited:
			return nil, fmt.Errorf("%w: %v", ErrWorkerExited, d.exitErr)
		case line := <-d.lines:
			var resp workerResponse
			if err := json.Unmarshal(line, &resp); nil != err {
				return nil, fmt.Errorf("decode pose worker response: %w", err)
			}

			// late answer to a request abandoned by a cancelled context
			if resp.Seq < d.seq {
				d.logger.Debug("dropping stale pose worker response", zap.Uint64("seq", resp.Seq))
				continue
			}

			return d.decode(resp)
		}
	}
}

func (d *streamDetector) decode(resp workerResponse) (*Result, error) {
	if resp.Seq != d.seq {
		return nil, fmt.Errorf("pose worker answered seq %d, want %d", resp.Seq, d.seq)
	}

	if "" != resp.Error {
		return nil, fmt.Errorf("pose worker: %s", resp.Error)
	}

	if nil == resp.Landmarks {
		return nil, nil
	}

	if keypoint.NumLandmarks > len(resp.Landmarks) {
		return nil, fmt.Errorf("pose worker returned %d landmarks, want %d", len(resp.Landmarks), keypoint.NumLandmarks)
	}

	res := &Result{Landmarks: resp.Landmarks[:keypoint.NumLandmarks], Score: 1}
	if nil != resp.Score {
		res.Score = *resp.Score
	}

	if res.Score < d.cfg.MinDetectionConfidence {
		return nil, nil
	}

	return res, nil
}

// Close asks the worker to stop by closing its stdin and kills it after the
// stop timeout.
func (d *streamDetector) Close() error {
	var err error

	d.closeOnce.Do(func() {
		err = d.stdin.Close()

		select {
		case <-d.exited:
		case <-time.After(d.cfg.StopTimeout):
			d.logger.Warn("pose worker did not stop, killing it", zap.Duration("timeout", d.cfg.StopTimeout))
			if nil != d.kill {
				if kerr := d.kill(); nil != kerr {
					d.logger.Debug("kill pose worker", zap.Error(kerr))
				}
			}
			d.exit(errors.New("killed"))
		}
	})

	return err
}
