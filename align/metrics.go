package align

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fitsTotal counts track fits made during alignment by outcome
	fitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svtalign_track_fits_total",
		Help: "Track fits performed during alignment by result",
	}, []string{"result"})

	// fitIterations tracks the number of linearization passes per fit
	fitIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "svtalign_track_fit_iterations",
		Help:    "Linearization passes per track fit",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	solvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svtalign_alignment_solves_total",
		Help: "Alignment solves by plane",
	}, []string{"plane"})

	// parameterTotal exposes the running correction of every floated parameter
	parameterTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "svtalign_alignment_parameter_total",
		Help: "Cumulative alignment correction by plane and parameter",
	}, []string{"plane", "parameter"})

	geometryGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "svtalign_geometry_generation",
		Help: "Generation of the most recently published geometry",
	})

	iterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "svtalign_alignment_iteration_duration_seconds",
		Help:    "Wall time of one alignment iteration",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
)
