// Package demo renders the keypoint overlay onto a fixed demo image.
package demo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/keypoint"
	"poseoverlay/internal/pose"
)

// ErrUnavailable is returned when the demo image cannot be loaded.
var ErrUnavailable = errors.New("demo image unavailable")

// Config locates the demo image. ImagePath wins over ImageURL.
type Config struct {
	ImagePath    string
	ImageURL     string
	FetchTimeout time.Duration
	MaxBytes     int64
}

// DefaultConfig returns the fetch limits.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 10 * time.Second,
		MaxBytes:     20 << 20,
	}
}

// Source loads the demo image once and serves it from memory afterwards.
// Concurrent first loads share one fetch; failed loads are retried on the
// next call.
type Source struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	group singleflight.Group

	mu  sync.RWMutex
	img *image.RGBA
}

// NewSource builds a source. client may be nil.
func NewSource(cfg Config, client *http.Client, logger *zap.Logger) *Source {
	def := DefaultConfig()
	if 0 >= cfg.FetchTimeout {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if 0 >= cfg.MaxBytes {
		cfg.MaxBytes = def.MaxBytes
	}
	if nil == client {
		client = http.DefaultClient
	}

	return &Source{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "demo")),
	}
}

// Image returns the demo image. Callers must not modify it.
func (s *Source) Image(ctx context.Context) (*image.RGBA, error) {
	s.mu.RLock()
	img := s.img
	s.mu.RUnlock()

	if nil != img {
		return img, nil
	}

	ch := s.group.DoChan("demo", func() (interface{}, error) {
		s.mu.RLock()
		cached := s.img
		s.mu.RUnlock()

		if nil != cached {
			return cached, nil
		}

		img, err := s.load()
		if nil != err {
			return nil, err
		}

		s.mu.Lock()
		s.img = img
		s.mu.Unlock()

		return img, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if nil != res.Err {
			return nil, res.Err
		}
		return res.Val.(*image.RGBA), nil
	}
}

func (s *Source) load() (*image.RGBA, error) {
	started := time.Now()

	b, origin, err := s.read()
	if nil != err {
		s.logger.Warn("demo image load failed", zap.String("origin", origin), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	decoded, format, err := image.Decode(bytes.NewReader(b))
	if nil != err {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	bounds := decoded.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(img, img.Bounds(), decoded, bounds.Min, draw.Src)

	s.logger.Info("demo image loaded",
		zap.String("origin", origin),
		zap.String("format", format),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()),
		zap.Duration("took", time.Since(started)),
	)

	return img, nil
}

func (s *Source) read() ([]byte, string, error) {
	if "" != s.cfg.ImagePath {
		f, err := os.Open(s.cfg.ImagePath)
		if nil != err {
			return nil, s.cfg.ImagePath, err
		}
		defer f.Close()

		b, err := readLimited(f, s.cfg.MaxBytes)
		return b, s.cfg.ImagePath, err
	}

	if "" == s.cfg.ImageURL {
		return nil, "", errors.New("no demo image configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ImageURL, nil)
	if nil != err {
		return nil, s.cfg.ImageURL, err
	}

	resp, err := s.client.Do(req)
	if nil != err {
		return nil, s.cfg.ImageURL, err
	}
	defer resp.Body.Close()

	if http.StatusOK != resp.StatusCode {
		return nil, s.cfg.ImageURL, fmt.Errorf("unexpected status %s", resp.Status)
	}

	b, err := readLimited(resp.Body, s.cfg.MaxBytes)
	return b, s.cfg.ImageURL, err
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if nil != err {
		return nil, err
	}

	if int64(len(b)) > limit {
		return nil, fmt.Errorf("image larger than %d bytes", limit)
	}

	return b, nil
}

// ImageSource provides the image previews are drawn on.
type ImageSource interface {
	Image(ctx context.Context) (*image.RGBA, error)
}

// Previewer renders the overlay onto the demo image.
type Previewer struct {
	source ImageSource
	opener pose.Opener
	logger *zap.Logger
}

// NewPreviewer builds a previewer.
func NewPreviewer(source ImageSource, opener pose.Opener, logger *zap.Logger) *Previewer {
	return &Previewer{source: source, opener: opener, logger: logger}
}

// Render detects the pose on the demo image with a detector in image mode,
// opened and closed for this call, and draws the overlay. Without a pose
// the demo image itself is returned.
func (p *Previewer) Render(ctx context.Context, selection keypoint.Selection, style annotate.Style) (*image.RGBA, error) {
	img, err := p.source.Image(ctx)
	if nil != err {
		return nil, err
	}

	det, err := p.opener.Open(pose.ModeImage)
	if nil != err {
		return nil, fmt.Errorf("open pose detector: %w", err)
	}
	defer func() {
		if err := det.Close(); nil != err {
			p.logger.Warn("pose detector close", zap.Error(err))
		}
	}()

	result, err := det.Detect(ctx, img)
	if nil != err {
		return nil, fmt.Errorf("detect demo pose: %w", err)
	}

	if nil == result {
		p.logger.Debug("no pose on demo image")
	}

	return annotate.NewOverlay(selection, style).Apply(img, result), nil
}
