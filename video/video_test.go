package video

import (
	"bytes"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    float64
		wantErr bool
	}{
		{name: "integer", value: "1920", want: 1920},
		{name: "ntsc ratio", value: "30000/1001", want: 30000.0 / 1001.0},
		{name: "negative rotation", value: "-90", want: -90},
		{name: "zero over zero", value: "0/0", wantErr: true},
		{name: "not available", value: "N/A", wantErr: true},
		{name: "empty", value: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "90", firstLine("90\r\n-90\n"))
	assert.Equal(t, "", firstLine(""))
	assert.Equal(t, "25/1", firstLine(" 25/1 "))
}

func TestProbeArgs(t *testing.T) {
	args := probeArgs("in.mp4", "stream=width")
	assert.Equal(t, "in.mp4", args[len(args)-1])
	assert.Contains(t, args, "stream=width")
	assert.Contains(t, args, "v:0")
}

func TestDecodeArgs(t *testing.T) {
	args := decodeArgs("in.mov")
	assert.Contains(t, args, "bgr24")
	assert.Contains(t, args, "rawvideo")
	assert.Equal(t, "-", args[len(args)-1])
}

func TestEncodeArgs_Defaults(t *testing.T) {
	meta := Metadata{Width: 640, Height: 480, FPS: 29.97}
	args := encodeArgs("out.mp4", meta, DefaultEncoderOptions())

	assert.Equal(t, "out.mp4", args[len(args)-1])
	assert.Contains(t, args, "640x480")
	assert.Contains(t, args, "29.970000")
	assert.Contains(t, args, "mpeg4")
	assert.Contains(t, args, "mp4v")
	assert.NotContains(t, args, "-c:a")
}

func TestEncodeArgs_AudioPassthrough(t *testing.T) {
	meta := Metadata{Width: 320, Height: 240, FPS: 25}
	opts := DefaultEncoderOptions()
	opts.AudioSource = "in.mp4"

	args := encodeArgs("out.mp4", meta, opts)
	assert.Contains(t, args, "in.mp4")
	assert.Contains(t, args, "1:a:0?")
	assert.Contains(t, args, "copy")
}

func TestColorConversion(t *testing.T) {
	frame := NewFrame(2, 1)
	copy(frame.Pix, []byte{
		10, 20, 30, // B G R
		40, 50, 60,
	})

	img := BGRToRGBA(frame)
	assert.Equal(t, color.RGBA{R: 30, G: 20, B: 10, A: 0xFF}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 60, G: 50, B: 40, A: 0xFF}, img.RGBAAt(1, 0))

	back := RGBAToBGR(img)
	assert.Equal(t, frame.Pix, back.Pix)
	assert.Equal(t, 2, back.Width)
	assert.Equal(t, 1, back.Height)
}

func TestRGBAToBGR_SubImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.SetRGBA(2, 2, color.RGBA{R: 1, G: 2, B: 3, A: 0xFF})

	sub := img.SubImage(image.Rect(2, 2, 4, 4)).(*image.RGBA)
	frame := RGBAToBGR(sub)

	require.Equal(t, 2, frame.Width)
	assert.Equal(t, []byte{3, 2, 1}, frame.Pix[:3])
}

func TestFrame_Validate(t *testing.T) {
	assert.NoError(t, NewFrame(3, 2).Validate())
	assert.Error(t, (&Frame{Width: 3, Height: 2, Pix: make([]byte, 5)}).Validate())
	assert.Error(t, (&Frame{Width: 0, Height: 2}).Validate())
}

func TestDecoder_ReadFrame(t *testing.T) {
	data := make([]byte, Size(2, 2)*2+5) // two frames and a truncated tail
	data[0] = 7

	d := &Decoder{
		stdout: io.NopCloser(bytes.NewReader(data)),
		stderr: newTail(64),
		width:  2,
		height: 2,
	}

	first, err := d.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(7), first.Pix[0])

	_, err = d.ReadFrame()
	require.NoError(t, err)

	_, err = d.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)

	_, err = d.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, d.Frames())
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestEncoder_WriteFrame(t *testing.T) {
	var buf bytes.Buffer
	e := &Encoder{
		stdin:  nopWriteCloser{&buf},
		stderr: newTail(64),
		width:  2,
		height: 1,
	}

	require.NoError(t, e.WriteFrame(NewFrame(2, 1)))
	assert.Equal(t, 6, buf.Len())
	assert.Equal(t, 1, e.Frames())

	err := e.WriteFrame(NewFrame(1, 1))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	err = e.WriteFrame(&Frame{Width: 2, Height: 1, Pix: make([]byte, 4)})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "expects 6 bytes")
	assert.Equal(t, 6, buf.Len())
	assert.Equal(t, 1, e.Frames())
}

func TestOrient(t *testing.T) {
	tests := []struct {
		rotation     string
		wantW, wantH int
		wantRotation int
		wantErr      bool
	}{
		{rotation: "", wantW: 640, wantH: 480},
		{rotation: "0", wantW: 640, wantH: 480},
		{rotation: "180", wantW: 640, wantH: 480, wantRotation: 180},
		{rotation: "-180", wantW: 640, wantH: 480, wantRotation: -180},
		{rotation: "90", wantW: 480, wantH: 640, wantRotation: 90},
		{rotation: "-90", wantW: 480, wantH: 640, wantRotation: -90},
		{rotation: "270", wantW: 480, wantH: 640, wantRotation: 270},
		{rotation: "-270", wantW: 480, wantH: 640, wantRotation: -270},
		{rotation: "45", wantErr: true},
		{rotation: "N/A", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.rotation, func(t *testing.T) {
			w, h, rotation, err := orient(640, 480, tt.rotation)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
			assert.Equal(t, tt.wantRotation, rotation)
		})
	}
}

func TestTail(t *testing.T) {
	tl := newTail(4)
	_, _ = tl.Write([]byte("abc"))
	_, _ = tl.Write([]byte("defg"))
	assert.Equal(t, "defg", tl.String())
}
