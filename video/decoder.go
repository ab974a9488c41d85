package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Decoder streams BGR24 frames out of an ffmpeg process.
type Decoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tail

	width  int
	height int
	read   int
	ended  bool

	closeOnce sync.Once
	closeErr  error
}

// NewDecoder starts ffmpeg decoding file into raw frames of meta's dimensions.
func NewDecoder(ctx context.Context, ffmpeg, file string, meta Metadata) (*Decoder, error) {
	cmd := exec.CommandContext(ctx, ffmpeg, decodeArgs(file)...)

	stdout, err := cmd.StdoutPipe()
	if nil != err {
		return nil, fmt.Errorf("ffmpeg decoder stdout: %w", err)
	}

	stderr := newTail(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); nil != err {
		return nil, fmt.Errorf("start ffmpeg decoder: %w", err)
	}

	return &Decoder{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		width:  meta.Width,
		height: meta.Height,
	}, nil
}

func decodeArgs(file string) []string {
	return []string{
		"-v", "error",
		"-nostdin",
		"-i", file,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-vsync", "passthrough",
		"-",
	}
}

// ReadFrame returns the next frame, or io.EOF once the stream is exhausted.
// A truncated trailing frame is treated as the end of the stream.
func (d *Decoder) ReadFrame() (*Frame, error) {
	if d.ended {
		return nil, io.EOF
	}

	frame := NewFrame(d.width, d.height)

	if _, err := io.ReadFull(d.stdout, frame.Pix); nil != err {
		d.ended = true

		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read frame %d: %w", d.read+1, err)
	}

	d.read++
	return frame, nil
}

// Frames is the number of frames read so far.
func (d *Decoder) Frames() int {
	return d.read
}

// Close stops ffmpeg. Closing before the end of the stream kills the process.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		if !d.ended && nil != d.cmd.Process {
			_ = d.cmd.Process.Kill()
			_ = d.cmd.Wait()
			return
		}

		if err := d.cmd.Wait(); nil != err {
			d.closeErr = fmt.Errorf("ffmpeg decoder: %w: %s", err, d.stderr.String())
		}
	})

	return d.closeErr
}
