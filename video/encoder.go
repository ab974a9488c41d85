package video

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// EncoderOptions selects the output codec. The defaults write MPEG-4 Part 2
// with the "mp4v" fourcc.
type EncoderOptions struct {
	Codec   string
	Tag     string
	Quality int

	// AudioSource, when set, is muxed in as an optional audio stream copy.
	AudioSource string
}

// DefaultEncoderOptions returns MPEG-4 Part 2 in an MP4 container.
func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{
		Codec:   "mpeg4",
		Tag:     "mp4v",
		Quality: 2,
	}
}

// Encoder feeds BGR24 frames into an ffmpeg process writing a video file.
type Encoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tail

	width   int
	height  int
	written int

	closeOnce sync.Once
	closeErr  error
}

// NewEncoder starts ffmpeg writing output with meta's dimensions and frame rate.
func NewEncoder(ctx context.Context, ffmpeg, output string, meta Metadata, opts EncoderOptions) (*Encoder, error) {
	cmd := exec.CommandContext(ctx, ffmpeg, encodeArgs(output, meta, opts)...)

	stdin, err := cmd.StdinPipe()
	if nil != err {
		return nil, fmt.Errorf("ffmpeg encoder stdin: %w", err)
	}

	stderr := newTail(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); nil != err {
		return nil, fmt.Errorf("start ffmpeg encoder: %w", err)
	}

	return &Encoder{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		width:  meta.Width,
		height: meta.Height,
	}, nil
}

func encodeArgs(output string, meta Metadata, opts EncoderOptions) []string {
	args := []string{
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-video_size", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
		"-framerate", strconv.FormatFloat(meta.FPS, 'f', 6, 64),
		"-i", "-",
	}

	if "" != opts.AudioSource {
		args = append(args,
			"-i", opts.AudioSource,
			"-map", "0:v:0",
			"-map", "1:a:0?",
			"-c:a", "copy",
		)
	}

	codec := opts.Codec
	if "" == codec {
		codec = DefaultEncoderOptions().Codec
	}

	args = append(args, "-c:v", codec)

	if "" != opts.Tag {
		args = append(args, "-tag:v", opts.Tag)
	}

	if 0 < opts.Quality {
		args = append(args, "-q:v", strconv.Itoa(opts.Quality))
	}

	return append(args,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", output,
	)
}

// WriteFrame appends one frame. Frames must match the encoder's dimensions.
func (e *Encoder) WriteFrame(frame *Frame) error {
	if err := frame.Validate(); nil != err {
		return err
	}

	if frame.Width != e.width || frame.Height != e.height {
		return fmt.Errorf("frame %dx%d does not match output %dx%d", frame.Width, frame.Height, e.width, e.height)
	}

	if err := writeBytes(e.stdin, frame.Pix); nil != err {
		return fmt.Errorf("write frame %d: %w: %s", e.written+1, err, e.stderr.String())
	}

	e.written++
	return nil
}

// Frames is the number of frames written so far.
func (e *Encoder) Frames() int {
	return e.written
}

// Close finalizes the container and waits for ffmpeg to exit.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		if err := e.stdin.Close(); nil != err {
			e.closeErr = fmt.Errorf("close ffmpeg encoder stdin: %w", err)
		}

		if err := e.cmd.Wait(); nil != err {
			e.closeErr = fmt.Errorf("ffmpeg encoder: %w: %s", err, e.stderr.String())
		}
	})

	return e.closeErr
}

func writeBytes(writer io.Writer, bytes []byte) error {
	written, err := writer.Write(bytes)
	if nil != err {
		return err
	}

	if len(bytes) != written {
		return fmt.Errorf("failed to write %d bytes, wrote %d instead", len(bytes), written)
	}

	return nil
}
