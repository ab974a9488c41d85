package video

import (
	"fmt"
	"image"
)

// Frame is a packed BGR24 picture, the byte order ffmpeg's bgr24 pixel
// format uses on its raw pipes.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, Size(width, height)),
	}
}

// Size is the number of bytes a frame of the given dimensions occupies.
func Size(width, height int) int {
	return width * height * 3
}

// Validate reports whether Pix matches the frame dimensions.
func (f *Frame) Validate() error {
	if 0 >= f.Width || 0 >= f.Height {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}

	if Size(f.Width, f.Height) != len(f.Pix) {
		return fmt.Errorf("frame %dx%d expects %d bytes, got %d", f.Width, f.Height, Size(f.Width, f.Height), len(f.Pix))
	}

	return nil
}

// BGRToRGBA converts a BGR24 frame into an opaque RGBA image.
func BGRToRGBA(frame *Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))

	for y := 0; y < frame.Height; y++ {
		src := frame.Pix[y*frame.Width*3 : (y+1)*frame.Width*3]
		dst := img.Pix[y*img.Stride : y*img.Stride+frame.Width*4]

		for x := 0; x < frame.Width; x++ {
			dst[x*4] = src[x*3+2]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3]
			dst[x*4+3] = 0xFF
		}
	}

	return img
}

// RGBAToBGR converts an image back into a BGR24 frame. Alpha is dropped.
func RGBAToBGR(img *image.RGBA) *Frame {
	bounds := img.Bounds()
	frame := NewFrame(bounds.Dx(), bounds.Dy())

	for y := 0; y < frame.Height; y++ {
		offset := img.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		src := img.Pix[offset : offset+frame.Width*4]
		dst := frame.Pix[y*frame.Width*3 : (y+1)*frame.Width*3]

		for x := 0; x < frame.Width; x++ {
			dst[x*3] = src[x*4+2]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4]
		}
	}

	return frame
}
