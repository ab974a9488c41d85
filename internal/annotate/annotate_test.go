package annotate

import (
	"image"
	"image/color"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poseoverlay/internal/keypoint"
	"poseoverlay/internal/pose"
)

var (
	black = color.RGBA{A: 0xFF}
	red   = color.RGBA{R: 0xFF, A: 0xFF}
	green = color.RGBA{G: 0xFF, A: 0xFF}
)

func blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xFF
	}
	return img
}

func result(points map[int]pose.Landmark) *pose.Result {
	r := &pose.Result{Landmarks: make([]pose.Landmark, keypoint.NumLandmarks), Score: 1}
	for i, lm := range points {
		r.Landmarks[i] = lm
	}
	return r
}

func visible(x, y float64) pose.Landmark {
	return pose.Landmark{X: x, Y: y, Visibility: 1, Presence: 1}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    RGB
		wantErr bool
	}{
		{in: "#FF0000", want: RGB{R: 0xFF}},
		{in: "00ff00", want: RGB{G: 0xFF}},
		{in: "#00F", want: RGB{B: 0xFF}},
		{in: " #123456 ", want: RGB{R: 0x12, G: 0x34, B: 0x56}},
		{in: "", wantErr: true},
		{in: "#12345", wantErr: true},
		{in: "#GGGGGG", wantErr: true},
		{in: "red", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColor(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidColor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRGB_Text(t *testing.T) {
	b, err := RGB{R: 0xAB, G: 0x01}.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "#AB0100", string(b))

	var c RGB
	require.NoError(t, c.UnmarshalText([]byte("#0a0b0c")))
	assert.Equal(t, RGB{R: 0x0A, G: 0x0B, B: 0x0C}, c)
	assert.Error(t, c.UnmarshalText([]byte("nope")))
}

func TestParseStyle(t *testing.T) {
	s, err := ParseStyle(StyleInput{})
	require.NoError(t, err)
	assert.Equal(t, DefaultStyle(), s)

	s, err = ParseStyle(StyleInput{LineColor: "#0000FF", LineThickness: "10", PointColor: "#FFFFFF", PointSize: "1"})
	require.NoError(t, err)
	assert.Equal(t, Style{LineColor: RGB{B: 0xFF}, LineThickness: 10, PointColor: RGB{0xFF, 0xFF, 0xFF}, PointSize: 1}, s)

	_, err = ParseStyle(StyleInput{LineThickness: "11"})
	assert.ErrorIs(t, err, ErrStyleOutOfRange)

	_, err = ParseStyle(StyleInput{PointSize: "0"})
	assert.ErrorIs(t, err, ErrStyleOutOfRange)

	_, err = ParseStyle(StyleInput{PointSize: "big"})
	assert.ErrorIs(t, err, ErrStyleOutOfRange)

	_, err = ParseStyle(StyleInput{PointColor: "#12"})
	assert.ErrorIs(t, err, ErrInvalidColor)
}

func TestProperty_Style(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("clamped style is always valid", prop.ForAll(
		func(thickness, size int) bool {
			s := Style{LineThickness: thickness, PointSize: size}.Clamped()
			return nil == s.Validate() && s == s.Clamped()
		},
		gen.Int(), gen.Int(),
	))

	properties.Property("in-range values parse unchanged", prop.ForAll(
		func(thickness, size int) bool {
			s, err := ParseStyle(StyleInput{
				LineThickness: strconv.Itoa(thickness),
				PointSize:     strconv.Itoa(size),
			})
			return nil == err && thickness == s.LineThickness && size == s.PointSize
		},
		gen.IntRange(MinLineThickness, MaxLineThickness),
		gen.IntRange(MinPointSize, MaxPointSize),
	))

	properties.Property("out-of-range thickness is rejected", prop.ForAll(
		func(thickness int) bool {
			_, err := ParseStyle(StyleInput{LineThickness: strconv.Itoa(thickness)})
			return nil != err
		},
		gen.OneGenOf(gen.IntRange(-1000, MinLineThickness-1), gen.IntRange(MaxLineThickness+1, 1000)),
	))

	properties.TestingRun(t)
}

func TestOverlay_NilResultPassesThrough(t *testing.T) {
	frame := blank(32, 24)
	o := NewOverlay(keypoint.All(), DefaultStyle())

	assert.Same(t, frame, o.Apply(frame, nil))
}

func TestOverlay_Shoulders(t *testing.T) {
	frame := blank(100, 100)
	before := append([]uint8(nil), frame.Pix...)

	sel, err := keypoint.Select("Left Shoulder", "Right Shoulder")
	require.NoError(t, err)
	o := NewOverlay(sel, DefaultStyle())
	require.Equal(t, []keypoint.Connection{{A: 11, B: 12}}, o.Connections())

	out := o.Apply(frame, result(map[int]pose.Landmark{
		11: visible(0.25, 0.5),
		12: visible(0.75, 0.5),
		0:  visible(0.5, 0.1),
	}))

	require.NotSame(t, frame, out)
	assert.Equal(t, frame.Bounds(), out.Bounds())
	assert.Equal(t, before, frame.Pix, "input must not be modified")

	assert.Equal(t, red, out.RGBAAt(50, 50))
	assert.Equal(t, green, out.RGBAAt(25, 50))
	assert.Equal(t, green, out.RGBAAt(75, 50))
	// unselected nose
	assert.Equal(t, black, out.RGBAAt(50, 10))
	assert.Equal(t, black, out.RGBAAt(5, 5))
}

func TestOverlay_SkipsInvisibleEndpoints(t *testing.T) {
	frame := blank(100, 100)
	o := NewOverlay(keypoint.Of(11, 12), DefaultStyle())

	hidden := visible(0.75, 0.5)
	hidden.Visibility = 0.1

	out := o.Apply(frame, result(map[int]pose.Landmark{
		11: visible(0.25, 0.5),
		12: hidden,
	}))

	assert.Equal(t, green, out.RGBAAt(25, 50))
	assert.Equal(t, black, out.RGBAAt(50, 50))
	assert.Equal(t, black, out.RGBAAt(75, 50))
}

func TestOverlay_SkipsOffFrameLandmarks(t *testing.T) {
	frame := blank(100, 100)
	o := NewOverlay(keypoint.Of(11, 12), DefaultStyle())

	out := o.Apply(frame, result(map[int]pose.Landmark{
		11: visible(0.25, 0.5),
		12: visible(1.5, 0.5),
	}))

	assert.Equal(t, green, out.RGBAAt(25, 50))
	assert.Equal(t, black, out.RGBAAt(60, 50))
	assert.Equal(t, black, out.RGBAAt(99, 50))
}

func TestOverlay_EmptySelectionDrawsNothing(t *testing.T) {
	frame := blank(40, 30)
	o := NewOverlay(keypoint.Selection{}, DefaultStyle())
	assert.Empty(t, o.Connections())

	out := o.Apply(frame, result(map[int]pose.Landmark{
		11: visible(0.25, 0.5),
		12: visible(0.75, 0.5),
	}))

	assert.Equal(t, frame.Pix, out.Pix)
}

func TestOverlay_EdgesClip(t *testing.T) {
	frame := blank(20, 20)
	style := DefaultStyle()
	style.PointSize = MaxPointSize
	style.LineThickness = MaxLineThickness
	o := NewOverlay(keypoint.Of(11, 12), style)

	var out *image.RGBA
	require.NotPanics(t, func() {
		out = o.Apply(frame, result(map[int]pose.Landmark{
			11: visible(0, 0),
			12: visible(1, 1),
		}))
	})

	assert.Equal(t, frame.Bounds(), out.Bounds())
	assert.Equal(t, green, out.RGBAAt(0, 0))
	assert.Equal(t, green, out.RGBAAt(19, 19))
}

func TestOverlay_Idempotent(t *testing.T) {
	frame := blank(64, 64)
	o := NewOverlay(keypoint.All(), Style{LineColor: RGB{B: 0xFF}, LineThickness: 3, PointColor: RGB{R: 0xFF, G: 0xFF}, PointSize: 4})

	r := result(map[int]pose.Landmark{
		11: visible(0.3, 0.3),
		12: visible(0.7, 0.3),
		13: visible(0.2, 0.5),
		23: visible(0.35, 0.7),
		24: visible(0.65, 0.7),
	})

	once := o.Apply(frame, r)
	twice := o.Apply(once, r)

	assert.Equal(t, once.Pix, twice.Pix)
	assert.NotEqual(t, frame.Pix, once.Pix)
}

func TestOverlay_SubImage(t *testing.T) {
	parent := blank(50, 50)
	frame := parent.SubImage(image.Rect(10, 10, 30, 30)).(*image.RGBA)
	o := NewOverlay(keypoint.Of(0), DefaultStyle())

	out := o.Apply(frame, result(map[int]pose.Landmark{0: visible(0.5, 0.5)}))

	assert.Equal(t, frame.Bounds(), out.Bounds())
	assert.Equal(t, green, out.RGBAAt(20, 20))
	assert.Equal(t, black, parent.RGBAAt(20, 20))
}

func TestAnnotate(t *testing.T) {
	frame := blank(10, 10)
	out := Annotate(frame, result(map[int]pose.Landmark{0: visible(0.5, 0.5)}), keypoint.Of(0), DefaultStyle())
	assert.Equal(t, green, out.RGBAAt(5, 5))
}

func TestNewOverlay_ClampsAndCopiesSelection(t *testing.T) {
	sel := keypoint.Of(11, 12)
	o := NewOverlay(sel, Style{LineThickness: 50, PointSize: -3})

	assert.Equal(t, MaxLineThickness, o.Style().LineThickness)
	assert.Equal(t, MinPointSize, o.Style().PointSize)

	delete(sel, 12)
	assert.Len(t, o.Connections(), 1)
}
