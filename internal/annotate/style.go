package annotate

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Input bounds of the style controls.
const (
	MinLineThickness = 1
	MaxLineThickness = 10
	MinPointSize     = 1
	MaxPointSize     = 20
)

var (
	// ErrStyleOutOfRange is returned for thickness or size outside the control bounds.
	ErrStyleOutOfRange = errors.New("style value out of range")
	// ErrInvalidColor is returned for colors that are not hex RGB.
	ErrInvalidColor = errors.New("invalid color")
)

// RGB is an opaque color.
type RGB struct {
	R, G, B uint8
}

// Color converts to an opaque image/color value.
func (c RGB) Color() color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xFF}
}

// Hex formats the color as #RRGGBB.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

func (c RGB) String() string {
	return c.Hex()
}

// MarshalText encodes the color as #RRGGBB.
func (c RGB) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

// UnmarshalText accepts the forms ParseColor accepts.
func (c *RGB) UnmarshalText(text []byte) error {
	parsed, err := ParseColor(string(text))
	if nil != err {
		return err
	}
	*c = parsed
	return nil
}

// ParseColor accepts #RRGGBB, RRGGBB, #RGB and RGB.
func ParseColor(value string) (RGB, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(value), "#")

	if 3 == len(hex) {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}

	if 6 != len(hex) {
		return RGB{}, fmt.Errorf("%w: %q", ErrInvalidColor, value)
	}

	n, err := strconv.ParseUint(hex, 16, 32)
	if nil != err {
		return RGB{}, fmt.Errorf("%w: %q", ErrInvalidColor, value)
	}

	return RGB{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n)}, nil
}

// Style controls how the overlay is drawn.
type Style struct {
	LineColor     RGB `json:"line_color"`
	LineThickness int `json:"line_thickness"`
	PointColor    RGB `json:"keypoint_color"`
	PointSize     int `json:"keypoint_size"`
}

// DefaultStyle is red lines of thickness 2 and green markers of size 5.
func DefaultStyle() Style {
	return Style{
		LineColor:     RGB{R: 0xFF},
		LineThickness: 2,
		PointColor:    RGB{G: 0xFF},
		PointSize:     5,
	}
}

// Validate rejects thickness and size outside the control bounds.
func (s Style) Validate() error {
	if s.LineThickness < MinLineThickness || s.LineThickness > MaxLineThickness {
		return fmt.Errorf("%w: line thickness %d not in [%d,%d]",
			ErrStyleOutOfRange, s.LineThickness, MinLineThickness, MaxLineThickness)
	}

	if s.PointSize < MinPointSize || s.PointSize > MaxPointSize {
		return fmt.Errorf("%w: keypoint size %d not in [%d,%d]",
			ErrStyleOutOfRange, s.PointSize, MinPointSize, MaxPointSize)
	}

	return nil
}

// Clamped returns the style with thickness and size forced into bounds.
func (s Style) Clamped() Style {
	s.LineThickness = clamp(s.LineThickness, MinLineThickness, MaxLineThickness)
	s.PointSize = clamp(s.PointSize, MinPointSize, MaxPointSize)
	return s
}

// StyleInput carries raw style values as received from a form, query
// string or flags. Empty fields keep their defaults.
type StyleInput struct {
	LineColor     string
	LineThickness string
	PointColor    string
	PointSize     string
}

// ParseStyle validates raw input on top of DefaultStyle.
func ParseStyle(in StyleInput) (Style, error) {
	style := DefaultStyle()

	var err error
	if "" != in.LineColor {
		if style.LineColor, err = ParseColor(in.LineColor); nil != err {
			return Style{}, fmt.Errorf("line color: %w", err)
		}
	}

	if "" != in.PointColor {
		if style.PointColor, err = ParseColor(in.PointColor); nil != err {
			return Style{}, fmt.Errorf("keypoint color: %w", err)
		}
	}

	if "" != in.LineThickness {
		if style.LineThickness, err = strconv.Atoi(strings.TrimSpace(in.LineThickness)); nil != err {
			return Style{}, fmt.Errorf("%w: line thickness %q is not an integer", ErrStyleOutOfRange, in.LineThickness)
		}
	}

	if "" != in.PointSize {
		if style.PointSize, err = strconv.Atoi(strings.TrimSpace(in.PointSize)); nil != err {
			return Style{}, fmt.Errorf("%w: keypoint size %q is not an integer", ErrStyleOutOfRange, in.PointSize)
		}
	}

	if err := style.Validate(); nil != err {
		return Style{}, err
	}

	return style, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
