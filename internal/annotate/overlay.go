// Package annotate draws pose skeletons onto frames.
package annotate

import (
	"image"
	"image/draw"

	"poseoverlay/internal/keypoint"
	"poseoverlay/internal/pose"
)

// Overlay draws the selected part of a pose skeleton. It is immutable once
// built and safe for concurrent use.
type Overlay struct {
	selection   keypoint.Selection
	connections []keypoint.Connection
	style       Style
}

// NewOverlay resolves the connections of a selection once so that every
// frame of a run draws the same skeleton.
func NewOverlay(selection keypoint.Selection, style Style) *Overlay {
	own := make(keypoint.Selection, len(selection))
	for i := range selection {
		own[i] = struct{}{}
	}

	return &Overlay{
		selection:   own,
		connections: keypoint.FilterConnections(keypoint.Topology(), own),
		style:       style.Clamped(),
	}
}

// Connections returns the connections the overlay draws.
func (o *Overlay) Connections() []keypoint.Connection {
	out := make([]keypoint.Connection, len(o.connections))
	copy(out, o.connections)
	return out
}

// Style returns the effective style.
func (o *Overlay) Style() Style {
	return o.style
}

// Apply returns frame with the pose drawn on top. Without a pose the frame
// itself is returned; otherwise the input is left untouched and a new image
// of the same bounds is returned.
func (o *Overlay) Apply(frame *image.RGBA, result *pose.Result) *image.RGBA {
	if nil == result {
		return frame
	}

	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)

	pixels := o.pixels(result, bounds)
	cv := newCanvas(out)

	lineColor := o.style.LineColor.Color()
	for _, c := range o.connections {
		a, okA := pixels[c.A]
		b, okB := pixels[c.B]
		if !okA || !okB {
			continue
		}
		cv.line(a, b, o.style.LineThickness, lineColor)
	}

	pointColor := o.style.PointColor.Color()
	radius := float32(o.style.PointSize)
	for _, i := range o.selection.Indices() {
		if p, ok := pixels[i]; ok {
			cv.disc(p, radius, pointColor)
		}
	}

	return out
}

// pixels maps each selected, visible, in-frame landmark to its pixel.
func (o *Overlay) pixels(result *pose.Result, bounds image.Rectangle) map[int]image.Point {
	out := make(map[int]image.Point, len(o.selection))

	for i := range o.selection {
		if i < 0 || i >= len(result.Landmarks) {
			continue
		}

		lm := result.Landmarks[i]
		if !lm.Visible() {
			continue
		}

		if p, ok := lm.Pixel(bounds.Dx(), bounds.Dy()); ok {
			out[i] = p.Add(bounds.Min)
		}
	}

	return out
}

// Annotate draws a single pose with a one-off overlay.
func Annotate(frame *image.RGBA, result *pose.Result, selection keypoint.Selection, style Style) *image.RGBA {
	return NewOverlay(selection, style).Apply(frame, result)
}
