// Package pose detects human pose landmarks in images.
//
// A Detector is opened explicitly for one processing run and closed when
// the run ends; instances carry per-run state (landmark tracking) and are
// not safe for concurrent use. Two backends are provided: an in-process
// ONNX model and an external worker process speaking JSON lines.
package pose

import (
	"context"
	"encoding/json"
	"image"
	"math"
)

// VisibilityThreshold is the minimum visibility and presence a landmark
// needs to be drawn.
const VisibilityThreshold = 0.5

// Landmark is one pose landmark. X and Y are normalized to the image width
// and height; Z is relative depth with the same scale as X.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
	Presence   float64 `json:"presence"`
}

// UnmarshalJSON decodes a landmark. Models that do not report visibility or
// presence omit the key; a missing value counts as fully confident.
func (l *Landmark) UnmarshalJSON(b []byte) error {
	var raw struct {
		X          float64  `json:"x"`
		Y          float64  `json:"y"`
		Z          float64  `json:"z"`
		Visibility *float64 `json:"visibility"`
		Presence   *float64 `json:"presence"`
	}
	if err := json.Unmarshal(b, &raw); nil != err {
		return err
	}

	*l = Landmark{X: raw.X, Y: raw.Y, Z: raw.Z, Visibility: 1, Presence: 1}
	if nil != raw.Visibility {
		l.Visibility = *raw.Visibility
	}
	if nil != raw.Presence {
		l.Presence = *raw.Presence
	}

	return nil
}

// Visible reports whether the landmark is confident enough to be drawn.
func (l Landmark) Visible() bool {
	return l.Visibility >= VisibilityThreshold && l.Presence >= VisibilityThreshold
}

// Pixel de-normalizes the landmark against an image of the given size.
// Landmarks outside the image have no pixel position.
func (l Landmark) Pixel(width, height int) (image.Point, bool) {
	if !inUnit(l.X) || !inUnit(l.Y) {
		return image.Point{}, false
	}

	x := int(math.Floor(l.X * float64(width)))
	y := int(math.Floor(l.Y * float64(height)))

	return image.Pt(min(x, width-1), min(y, height-1)), true
}

func inUnit(v float64) bool {
	const eps = 1e-9
	return v > -eps && v < 1+eps
}

// Result is a single detected pose; landmark i is schema landmark i.
type Result struct {
	Landmarks []Landmark `json:"landmarks"`
	Score     float64    `json:"score"`
}

// Mode selects how a detector treats consecutive images.
type Mode int

const (
	// ModeImage treats every image independently.
	ModeImage Mode = iota
	// ModeVideo tracks the pose from the previous frame to narrow the search.
	ModeVideo
)

func (m Mode) String() string {
	if ModeVideo == m {
		return "video"
	}
	return "image"
}

// Detector finds at most one pose per image. A nil result with a nil error
// means nobody was detected.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (*Result, error)
	Close() error
}

// Opener creates detectors. Each processing run opens its own instance.
type Opener interface {
	Open(mode Mode) (Detector, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(mode Mode) (Detector, error)

// Open calls f.
func (f OpenerFunc) Open(mode Mode) (Detector, error) {
	return f(mode)
}

// Config holds the settings shared by the detector backends.
type Config struct {
	// MinDetectionConfidence is the pose score needed for a fresh detection.
	MinDetectionConfidence float64
	// MinTrackingConfidence is the score needed to keep tracking the pose
	// from the previous frame in ModeVideo.
	MinTrackingConfidence float64
}

// DefaultConfig returns 0.5 for both thresholds.
func DefaultConfig() Config {
	return Config{
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
