package annotate

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"
)

// kappa places cubic control points for a quarter circle.
const kappa = 0.5522847498

type point struct {
	X, Y float32
}

// pixelCenter maps an integer pixel to the center of its square.
func pixelCenter(p image.Point) point {
	return point{X: float32(p.X) + 0.5, Y: float32(p.Y) + 0.5}
}

// canvas paints aliased shapes: a pixel is painted when at least half of
// it is covered, as 8-connected raster drawing does.
type canvas struct {
	dst *image.RGBA
	z   vector.Rasterizer
}

func newCanvas(dst *image.RGBA) *canvas {
	return &canvas{dst: dst}
}

// paint rasterizes trace within box and fills the covered pixels with c.
// trace receives coordinates relative to box.Min.
func (cv *canvas) paint(box image.Rectangle, c color.RGBA, trace func(z *vector.Rasterizer, origin point)) {
	if box.Empty() || !box.Overlaps(cv.dst.Bounds()) {
		return
	}

	cv.z.Reset(box.Dx(), box.Dy())
	cv.z.DrawOp = draw.Src
	trace(&cv.z, point{X: float32(box.Min.X), Y: float32(box.Min.Y)})

	mask := image.NewAlpha(image.Rect(0, 0, box.Dx(), box.Dy()))
	cv.z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})

	for i, a := range mask.Pix {
		if a >= 0x80 {
			mask.Pix[i] = 0xFF
		} else {
			mask.Pix[i] = 0
		}
	}

	draw.DrawMask(cv.dst, box, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
}

// disc fills a circle of the given radius centered on pixel p.
func (cv *canvas) disc(p image.Point, radius float32, c color.RGBA) {
	center := pixelCenter(p)
	cv.paint(bounds(radius+1, center), c, func(z *vector.Rasterizer, o point) {
		discPath(z, point{X: center.X - o.X, Y: center.Y - o.Y}, radius)
	})
}

// line strokes a segment between two pixels with round caps.
func (cv *canvas) line(p0, p1 image.Point, thickness int, c color.RGBA) {
	half := float32(thickness) / 2
	a, b := pixelCenter(p0), pixelCenter(p1)

	dx, dy := b.X-a.X, b.Y-a.Y
	length := float32(math.Hypot(float64(dx), float64(dy)))

	if 0 < length {
		nx, ny := -dy/length*half, dx/length*half
		corners := [4]point{
			{a.X + nx, a.Y + ny},
			{b.X + nx, b.Y + ny},
			{b.X - nx, b.Y - ny},
			{a.X - nx, a.Y - ny},
		}

		cv.paint(bounds(1, corners[:]...), c, func(z *vector.Rasterizer, o point) {
			z.MoveTo(corners[0].X-o.X, corners[0].Y-o.Y)
			for _, q := range corners[1:] {
				z.LineTo(q.X-o.X, q.Y-o.Y)
			}
			z.ClosePath()
		})
	}

	if 1 < thickness {
		cv.disc(p0, half, c)
		cv.disc(p1, half, c)
	}
}

func discPath(z *vector.Rasterizer, c point, r float32) {
	k := float32(kappa) * r

	z.MoveTo(c.X+r, c.Y)
	z.CubeTo(c.X+r, c.Y+k, c.X+k, c.Y+r, c.X, c.Y+r)
	z.CubeTo(c.X-k, c.Y+r, c.X-r, c.Y+k, c.X-r, c.Y)
	z.CubeTo(c.X-r, c.Y-k, c.X-k, c.Y-r, c.X, c.Y-r)
	z.CubeTo(c.X+k, c.Y-r, c.X+r, c.Y-k, c.X+r, c.Y)
	z.ClosePath()
}

// bounds is the integer box around the points, padded by pad. A single
// point with pad r yields the box of a circle of radius r around it.
func bounds(pad float32, points ...point) image.Rectangle {
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY

	for _, p := range points[1:] {
		minX, maxX = min(minX, p.X), max(maxX, p.X)
		minY, maxY = min(minY, p.Y), max(maxY, p.Y)
	}

	return image.Rect(
		int(math.Floor(float64(minX-pad))),
		int(math.Floor(float64(minY-pad))),
		int(math.Ceil(float64(maxX+pad))),
		int(math.Ceil(float64(maxY+pad))),
	)
}
