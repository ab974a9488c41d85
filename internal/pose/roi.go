package pose

import (
	"image"
	"math"
)

// roiScale enlarges the tracked pose box so that movement between frames
// stays inside the region.
const roiScale = 1.25

// trackingRegion is the square around the visible landmarks of res, scaled
// by roiScale and clamped to frame. It is empty when fewer than two
// landmarks are visible.
func trackingRegion(res *Result, frame image.Rectangle) image.Rectangle {
	if nil == res {
		return image.Rectangle{}
	}

	w, h := float64(frame.Dx()), float64(frame.Dy())
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	visible := 0

	for _, lm := range res.Landmarks {
		if !lm.Visible() {
			continue
		}

		x, y := lm.X*w, lm.Y*h
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		visible++
	}

	if 2 > visible {
		return image.Rectangle{}
	}

	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	half := math.Max(maxX-minX, maxY-minY) * roiScale / 2

	r := image.Rect(
		frame.Min.X+int(math.Floor(cx-half)),
		frame.Min.Y+int(math.Floor(cy-half)),
		frame.Min.X+int(math.Ceil(cx+half)),
		frame.Min.Y+int(math.Ceil(cy+half)),
	).Intersect(frame)

	if 2 > r.Dx() || 2 > r.Dy() {
		return image.Rectangle{}
	}

	return r
}
