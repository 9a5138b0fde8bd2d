// Package monitor collects fit quality distributions over a run and renders
// them as histograms.
package monitor

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/kwv/svtalign/track"
)

// ParamNames label the four track parameters in plots and summaries.
var ParamNames = [track.NumParams]string{"x", "y", "bx", "by"}

// FitPlotter records per-track fit results so they can be plotted after a
// run. It is safe for concurrent use.
type FitPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	bins      int

	chi2PerNDF  []float64
	probability []float64
	pulls       [track.NumParams][]float64
	residuals   map[int][]float64 // plane ID -> unbiased u residuals
	openingX    []float64
	openingY    []float64

	fits     int
	unsolved int
}

// Summary holds the moments of the recorded distributions.
type Summary struct {
	Fits           int                      `json:"fits"`
	Unsolved       int                      `json:"unsolved"`
	MeanChi2PerNDF float64                  `json:"meanChi2PerNdf"`
	MeanProb       float64                  `json:"meanProbability"`
	PullMean       [track.NumParams]float64 `json:"pullMean"`
	PullStdDev     [track.NumParams]float64 `json:"pullStdDev"`
	Residuals      map[int]ResidualSummary  `json:"residuals,omitempty"`
}

// ResidualSummary describes the unbiased residuals of one plane.
type ResidualSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// NewFitPlotter creates a plotter drawing histograms with the given number
// of bins (default 50).
func NewFitPlotter(bins int) *FitPlotter {
	if bins <= 0 {
		bins = 50
	}
	return &FitPlotter{
		bins:      bins,
		residuals: make(map[int][]float64),
	}
}

// Start clears previous samples and enables recording. An empty outputDir
// records for Summary only.
func (fp *FitPlotter) Start(outputDir string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	fp.outputDir = outputDir
	fp.enabled = true
	fp.chi2PerNDF = nil
	fp.probability = nil
	fp.pulls = [track.NumParams][]float64{}
	fp.residuals = make(map[int][]float64)
	fp.openingX, fp.openingY = nil, nil
	fp.fits, fp.unsolved = 0, 0
	return nil
}

// Stop disables recording. Call GeneratePlots() to produce output files.
func (fp *FitPlotter) Stop() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (fp *FitPlotter) IsEnabled() bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.enabled
}

// RecordFit adds one fit. truth, when known, adds the parameter pulls.
func (fp *FitPlotter) RecordFit(fit *track.TrackFit, truth *[track.NumParams]float64) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if !fp.enabled || fit == nil {
		return
	}
	fp.fits++
	if !fit.Solved() {
		fp.unsolved++
		return
	}
	fp.chi2PerNDF = append(fp.chi2PerNDF, fit.ChiSquare/float64(fit.NDF))
	fp.probability = append(fp.probability, fit.Probability())
	if truth != nil {
		pulls := track.Pulls(fit, *truth)
		for i, p := range pulls {
			fp.pulls[i] = append(fp.pulls[i], p)
		}
	}
}

// RecordResiduals adds the unbiased residuals of one track.
func (fp *FitPlotter) RecordResiduals(residuals []track.Residual) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if !fp.enabled {
		return
	}
	for _, r := range residuals {
		fp.residuals[r.PlaneID] = append(fp.residuals[r.PlaneID], r.U)
	}
}

// RecordSegments adds the opening angles of a front/back segment fit.
func (fp *FitPlotter) RecordSegments(seg *track.SegmentFits) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if !fp.enabled || seg == nil {
		return
	}
	fp.openingX = append(fp.openingX, seg.OpeningX)
	fp.openingY = append(fp.openingY, seg.OpeningY)
}

// Summary returns means and spreads of everything recorded so far.
func (fp *FitPlotter) Summary() Summary {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	s := Summary{
		Fits:           fp.fits,
		Unsolved:       fp.unsolved,
		MeanChi2PerNDF: mean(fp.chi2PerNDF),
		MeanProb:       mean(fp.probability),
	}
	for i, p := range fp.pulls {
		if len(p) > 1 {
			s.PullMean[i], s.PullStdDev[i] = stat.MeanStdDev(p, nil)
		}
	}
	if len(fp.residuals) > 0 {
		s.Residuals = make(map[int]ResidualSummary, len(fp.residuals))
		for id, r := range fp.residuals {
			rs := ResidualSummary{Count: len(r)}
			if len(r) > 1 {
				rs.Mean, rs.StdDev = stat.MeanStdDev(r, nil)
			}
			s.Residuals[id] = rs
		}
	}
	return s
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// GeneratePlots writes one PNG histogram per recorded distribution and
// returns how many were written.
func (fp *FitPlotter) GeneratePlots() (int, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if fp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}

	type histogram struct {
		file, title, xlabel string
		values              []float64
	}
	hists := []histogram{
		{"chi2ndf.png", "Track χ²/ndf", "χ²/ndf", fp.chi2PerNDF},
		{"probability.png", "Track χ² probability", "P(χ²)", fp.probability},
		{"opening_x.png", "Segment opening angle x", "rad", fp.openingX},
		{"opening_y.png", "Segment opening angle y", "rad", fp.openingY},
	}
	for i, p := range fp.pulls {
		hists = append(hists, histogram{
			fmt.Sprintf("pull_%s.png", ParamNames[i]),
			fmt.Sprintf("Pull of %s", ParamNames[i]),
			"(fit − truth)/σ",
			p,
		})
	}

	ids := make([]int, 0, len(fp.residuals))
	for id := range fp.residuals {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	colors := generateColors(len(ids))
	residualColor := make(map[string]color.Color, len(ids))
	for i, id := range ids {
		h := histogram{
			fmt.Sprintf("residual_plane_%02d.png", id),
			fmt.Sprintf("Plane %d - Unbiased u residual", id),
			"u residual (mm)",
			fp.residuals[id],
		}
		residualColor[h.file] = colors[i]
		hists = append(hists, h)
	}

	plotCount := 0
	for _, h := range hists {
		values := finite(h.values)
		if len(values) == 0 {
			continue
		}
		c, ok := residualColor[h.file]
		if !ok {
			c = color.RGBA{R: 70, G: 110, B: 180, A: 255}
		}
		if err := fp.saveHistogram(h.file, h.title, h.xlabel, values, c); err != nil {
			return plotCount, err
		}
		plotCount++
	}
	return plotCount, nil
}

func (fp *FitPlotter) saveHistogram(file, title, xlabel string, values []float64, c color.Color) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = "Tracks"

	hist, err := plotter.NewHist(plotter.Values(values), fp.bins)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	hist.FillColor = c
	hist.LineStyle.Width = vg.Points(0.5)
	p.Add(hist)

	if len(values) > 1 {
		m, sd := stat.MeanStdDev(values, nil)
		p.Legend.Add(fmt.Sprintf("n=%d  mean=%.4g  σ=%.4g", len(values), m, sd), hist)
		p.Legend.Top = true
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
	}

	path := filepath.Join(fp.outputDir, file)
	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}

func finite(x []float64) []float64 {
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// GetOutputDir returns the current output directory for plots.
func (fp *FitPlotter) GetOutputDir() string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.outputDir
}

// generateColors creates a palette of distinct colors, one per plane
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	if s == 0 {
		v := uint8(l * 255)
		return v, v, v
	}
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	switch {
	case t < 0:
		t++
	case t > 1:
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
