// Package video reads and writes video files through ffprobe and ffmpeg,
// exchanging raw BGR24 frames over pipes.
package video

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strings"

	"gopkg.in/Knetic/govaluate.v2"
)

// DefaultFPS is used when the container reports no usable frame rate.
const DefaultFPS = 30.0

// Metadata describes the video stream of a file as it will be decoded.
type Metadata struct {
	Width    int
	Height   int
	Frames   int // 0 when the container does not report a frame count
	FPS      float64
	Rotation int
}

// Probe reads the first video stream's metadata. Width and height are
// reported after rotation, since ffmpeg auto-rotates on decode.
func Probe(ctx context.Context, ffprobe, file string) (Metadata, error) {
	var meta Metadata

	width, err := probeInt(ctx, ffprobe, file, "stream=width")
	if nil != err {
		return meta, err
	}

	height, err := probeInt(ctx, ffprobe, file, "stream=height")
	if nil != err {
		return meta, err
	}

	rotation, err := probe(ctx, ffprobe, file, "stream_side_data=rotation")
	if nil != err {
		return meta, err
	}

	if meta.Width, meta.Height, meta.Rotation, err = orient(width, height, firstLine(rotation)); nil != err {
		return meta, err
	}

	// nb_frames is "N/A" for many containers.
	if frames, err := probeInt(ctx, ffprobe, file, "stream=nb_frames"); nil == err && 0 < frames {
		meta.Frames = frames
	}

	meta.FPS = DefaultFPS
	for _, entry := range []string{"stream=avg_frame_rate", "stream=r_frame_rate"} {
		value, err := probe(ctx, ffprobe, file, entry)
		if nil != err {
			continue
		}

		if fps, err := eval(firstLine(value)); nil == err && 0 < fps {
			meta.FPS = fps
			break
		}
	}

	if 0 >= meta.Width || 0 >= meta.Height {
		return meta, fmt.Errorf("invalid video dimensions %dx%d", meta.Width, meta.Height)
	}

	return meta, nil
}

// eval evaluates ffprobe values such as "1920" or "30000/1001".
func eval(value string) (float64, error) {
	if "" == value {
		return 0, fmt.Errorf("empty value")
	}

	expr, err := govaluate.NewEvaluableExpression(value)
	if nil != err {
		return 0, fmt.Errorf("parse %q: %w", value, err)
	}

	result, err := expr.Evaluate(map[string]interface{}{})
	if nil != err {
		return 0, fmt.Errorf("evaluate %q: %w", value, err)
	}

	number, ok := result.(float64)
	if !ok || math.IsNaN(number) || math.IsInf(number, 0) {
		return 0, fmt.Errorf("value %q is not a finite number", value)
	}

	return number, nil
}

func probe(ctx context.Context, ffprobe, file, entry string) (string, error) {
	cmd := exec.CommandContext(ctx, ffprobe, probeArgs(file, entry)...)

	out, err := cmd.Output()
	if nil != err {
		return "", fmt.Errorf("ffprobe %s: %w", entry, err)
	}

	return strings.Trim(string(out), "\r\n"), nil
}

func probeArgs(file, entry string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-show_entries", entry,
		file,
	}
}

func probeInt(ctx context.Context, ffprobe, file, entry string) (int, error) {
	value, err := probe(ctx, ffprobe, file, entry)
	if nil != err {
		return 0, err
	}

	number, err := eval(firstLine(value))
	if nil != err {
		return 0, err
	}

	return int(number), nil
}

func firstLine(value string) string {
	if i := strings.IndexAny(value, "\r\n"); 0 <= i {
		value = value[:i]
	}

	return strings.TrimSpace(value)
}

// orient applies the rotation side data to the coded dimensions. Quarter
// turns swap width and height.
func orient(width, height int, rotation string) (int, int, int, error) {
	switch rotation {
	case "", "0", "-180", "180":
		return width, height, parseRotation(rotation), nil
	case "-90", "90", "-270", "270":
		return height, width, parseRotation(rotation), nil
	}

	return width, height, 0, fmt.Errorf("unknown rotation value: %q", rotation)
}

func parseRotation(value string) int {
	number, err := eval(value)
	if nil != err {
		return 0
	}

	return int(number)
}
