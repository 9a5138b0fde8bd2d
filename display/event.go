// Package display draws the telescope and fitted tracks as vector graphics:
// a z–x projection above a z–y projection, with the transverse axis
// stretched so millimetre-scale residuals stay visible over a metre of z.
package display

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"

	"github.com/kwv/svtalign/linalg"
	"github.com/kwv/svtalign/track"
)

// Track is one fitted line with the crossing points to mark.
type Track struct {
	Point     linalg.Vec3
	Direction linalg.Vec3
	Impacts   []linalg.Vec3
}

// TrackFromFit converts a fit result.
func TrackFromFit(fit *track.TrackFit) Track {
	a, b := fit.Line()
	t := Track{Point: a, Direction: b}
	for _, ip := range fit.Impacts {
		t.Impacts = append(t.Impacts, ip.Global)
	}
	return t
}

// at returns the transverse coordinates of the line at z.
func (t Track) at(z float64) (x, y float64) {
	s := (z - t.Point[2]) / t.Direction[2]
	return t.Point[0] + s*t.Direction[0], t.Point[1] + s*t.Direction[1]
}

// EventRenderer renders planes and tracks in two projections.
type EventRenderer struct {
	Planes []track.DetectorPlane
	Tracks []Track

	TransverseScale float64           // stretch of x and y relative to z
	Padding         float64           // canvas units around each view
	PlaneExtent     float64           // drawn half-length of unbounded planes (mm)
	GridSpacing     float64           // z grid spacing (mm); 0 disables
	Resolution      canvas.Resolution // PNG resolution
}

// NewEventRenderer creates a renderer with default settings.
func NewEventRenderer(planes []track.DetectorPlane, tracks []Track) *EventRenderer {
	return &EventRenderer{
		Planes:          planes,
		Tracks:          tracks,
		TransverseScale: 5,
		Padding:         20,
		PlaneExtent:     20,
		GridSpacing:     100,
		Resolution:      canvas.DPI(150),
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// view is one projection: z horizontally, global coordinate axis vertically.
type view struct {
	axis       int
	minC, maxC float64
	offset     float64 // canvas y of the view's bottom edge
}

type layout struct {
	minZ, maxZ    float64
	views         [2]view
	width, height float64
}

// RenderToSVG writes the event display as an SVG to the provided writer
func (r *EventRenderer) RenderToSVG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, l)
	return svgRenderer.Close()
}

// RenderToPNG writes the event display as a PNG to the provided writer
func (r *EventRenderer) RenderToPNG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)
	return png.Encode(w, rast)
}

// planeEnds returns the drawn end points of plane p in the projection onto
// global axis k: the in-plane axis with the larger component along k,
// spanning the active area or PlaneExtent when unbounded.
func (r *EventRenderer) planeEnds(p track.DetectorPlane, k int) (linalg.Vec3, linalg.Vec3) {
	u, v := p.Axis(0), p.Axis(1)
	axis, half := u, p.Width/2
	if math.Abs(v[k]) > math.Abs(u[k]) {
		axis, half = v, p.Height/2
	}
	if half <= 0 {
		half = r.PlaneExtent
	}
	return p.Origin.Sub(axis.Scale(half)), p.Origin.Add(axis.Scale(half))
}

func (r *EventRenderer) layout() (layout, error) {
	if len(r.Planes) == 0 {
		return layout{}, fmt.Errorf("no planes to render")
	}
	var l layout
	l.minZ, l.maxZ = math.MaxFloat64, -math.MaxFloat64
	for _, p := range r.Planes {
		l.minZ = math.Min(l.minZ, p.Origin[2])
		l.maxZ = math.Max(l.maxZ, p.Origin[2])
	}
	// Start from the beam origin when the telescope is downstream of it.
	l.minZ = math.Min(l.minZ, 0)

	for k := range l.views {
		vw := view{axis: k, minC: math.MaxFloat64, maxC: -math.MaxFloat64}
		grow := func(c float64) {
			vw.minC = math.Min(vw.minC, c)
			vw.maxC = math.Max(vw.maxC, c)
		}
		for _, p := range r.Planes {
			a, b := r.planeEnds(p, k)
			grow(a[k])
			grow(b[k])
		}
		for _, t := range r.Tracks {
			if t.Direction[2] == 0 {
				continue
			}
			x0, y0 := t.at(l.minZ)
			x1, y1 := t.at(l.maxZ)
			grow([2]float64{x0, y0}[k])
			grow([2]float64{x1, y1}[k])
		}
		l.views[k] = vw
	}

	l.width = (l.maxZ - l.minZ) + 2*r.Padding
	// z–y at the bottom, z–x above it.
	y := 0.0
	for _, k := range []int{1, 0} {
		l.views[k].offset = y
		y += (l.views[k].maxC-l.views[k].minC)*r.TransverseScale + 2*r.Padding
	}
	l.height = y
	return l, nil
}

// renderToCanvas draws both views (shared logic for SVG and PNG)
func (r *EventRenderer) renderToCanvas(renderer canvasRenderer, l layout) {
	// Draw white background
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	for _, vw := range l.views {
		toCanvas := func(z, c float64) (float64, float64) {
			return (z - l.minZ) + r.Padding, vw.offset + (c-vw.minC)*r.TransverseScale + r.Padding
		}
		line := func(z0, c0, z1, c1 float64) *canvas.Path {
			p := &canvas.Path{}
			p.MoveTo(toCanvas(z0, c0))
			p.LineTo(toCanvas(z1, c1))
			return p
		}

		// View frame
		frameStyle := canvas.DefaultStyle
		frameStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		frameStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		frameStyle.StrokeWidth = 0.5
		fx, fy := toCanvas(l.minZ, vw.minC)
		frame := canvas.Rectangle(l.maxZ-l.minZ, (vw.maxC-vw.minC)*r.TransverseScale).Translate(fx, fy)
		renderer.RenderPath(frame, frameStyle, canvas.Identity)

		// z grid lines
		if r.GridSpacing > 0 {
			gridStyle := frameStyle
			gridStyle.StrokeWidth = 0.3
			gridStyle.Dashes = []float64{3.0, 3.0}
			for z := math.Ceil(l.minZ/r.GridSpacing) * r.GridSpacing; z <= l.maxZ; z += r.GridSpacing {
				renderer.RenderPath(line(z, vw.minC, z, vw.maxC), gridStyle, canvas.Identity)
			}
		}

		// Planes
		planeStyle := canvas.DefaultStyle
		planeStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		planeStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 60, G: 60, B: 60, A: 255}}
		planeStyle.StrokeWidth = 1.5
		for _, p := range r.Planes {
			a, b := r.planeEnds(p, vw.axis)
			renderer.RenderPath(line(a[2], a[vw.axis], b[2], b[vw.axis]), planeStyle, canvas.Identity)
		}

		// Tracks and their crossings
		colors := trackColors(len(r.Tracks))
		for i, t := range r.Tracks {
			if t.Direction[2] == 0 {
				continue
			}
			trackStyle := canvas.DefaultStyle
			trackStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			trackStyle.Stroke = canvas.Paint{Color: colors[i]}
			trackStyle.StrokeWidth = 0.6

			x0, y0 := t.at(l.minZ)
			x1, y1 := t.at(l.maxZ)
			c0, c1 := [2]float64{x0, y0}[vw.axis], [2]float64{x1, y1}[vw.axis]
			renderer.RenderPath(line(l.minZ, c0, l.maxZ, c1), trackStyle, canvas.Identity)

			markerStyle := canvas.DefaultStyle
			markerStyle.Fill = canvas.Paint{Color: colors[i]}
			markerStyle.Stroke = canvas.Paint{Color: canvas.Black}
			markerStyle.StrokeWidth = 0.3
			for _, ip := range t.Impacts {
				cx, cy := toCanvas(ip[2], ip[vw.axis])
				renderer.RenderPath(canvas.Circle(1.5).Translate(cx, cy), markerStyle, canvas.Identity)
			}
		}
	}
}

// trackColors cycles a fixed palette.
func trackColors(n int) []color.RGBA {
	palette := []color.RGBA{
		{R: 200, G: 40, B: 40, A: 255},
		{R: 40, G: 120, B: 200, A: 255},
		{R: 40, G: 160, B: 80, A: 255},
		{R: 220, G: 140, B: 20, A: 255},
		{R: 140, G: 60, B: 180, A: 255},
	}
	out := make([]color.RGBA, n)
	for i := range out {
		out[i] = palette[i%len(palette)]
	}
	return out
}
