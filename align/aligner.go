package align

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/svtalign/linalg"
	"github.com/kwv/svtalign/track"
)

// Event is the set of hits of one track candidate, parallel to the
// geometry's planes.
type Event struct {
	Hits []track.Hit `json:"hits"`
	// Truth holds the generated track parameters of simulated events.
	Truth *[track.NumParams]float64 `json:"truth,omitempty"`
}

// Config controls an alignment run.
type Config struct {
	Iterations int
	// Workers fitting tracks in parallel; zero means GOMAXPROCS.
	Workers int
	Fit     track.FitOptions

	InitialPoint     linalg.Vec3
	InitialDirection linalg.Vec3

	// MaxChiSquarePerNDF rejects badly fitting tracks; zero disables the cut.
	MaxChiSquarePerNDF float64
	// StopWhenInsignificant ends the run once no correction exceeds its
	// uncertainty.
	StopWhenInsignificant bool
}

// DefaultConfig returns a five-iteration run along the z axis.
func DefaultConfig() Config {
	return Config{
		Iterations:       5,
		Fit:              track.DefaultFitOptions(),
		InitialDirection: linalg.Vec3{0, 0, 1},
	}
}

// ReportSink receives a report after every iteration.
type ReportSink interface {
	PublishReport(report IterationReport) error
}

// IterationReport summarizes one alignment iteration.
type IterationReport struct {
	RunID          string     `json:"runId"`
	Iteration      int        `json:"iteration"`
	Generation     uint64     `json:"generation"`
	Events         int        `json:"events"`
	Fitted         int        `json:"fitted"`
	Rejected       int        `json:"rejected"`
	Failed         int        `json:"failed"`
	MeanChi2PerNDF float64    `json:"meanChi2PerNdf"`
	Planes         []Solution `json:"planes"`
	Significant    bool       `json:"significant"`
	Timestamp      int64      `json:"timestamp"`
}

// Aligner drives the alignment loop: fit every event against the current
// geometry snapshot, accumulate the floated planes, solve and publish the
// corrected geometry as a new generation.
type Aligner struct {
	store  *track.GeometryStore
	cfg    Config
	logger *slog.Logger
	sink   ReportSink
	runID  uuid.UUID

	accumulators []*Accumulator
	planeIndex   []int // geometry index of each accumulator

	mu   sync.RWMutex
	last *IterationReport
}

// NewAligner prepares accumulators for every plane with a mask. A nil
// logger falls back to slog.Default; a nil sink disables reporting.
func NewAligner(store *track.GeometryStore, masks map[int]Mask, cfg Config, logger *slog.Logger, sink ReportSink) (*Aligner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialDirection == (linalg.Vec3{}) {
		cfg.InitialDirection = linalg.Vec3{0, 0, 1}
	}

	g := store.Load()
	ids := make([]int, 0, len(masks))
	for id := range masks {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	al := &Aligner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		runID:  uuid.New(),
	}
	for _, id := range ids {
		p, idx, ok := g.Plane(id)
		if !ok {
			return nil, fmt.Errorf("alignment mask for unknown plane %d", id)
		}
		if masks[id].Floated() == 0 {
			continue
		}
		acc, err := NewAccumulator(p, masks[id])
		if err != nil {
			return nil, err
		}
		al.accumulators = append(al.accumulators, acc)
		al.planeIndex = append(al.planeIndex, idx)
	}
	if len(al.accumulators) == 0 {
		return nil, ErrNoFloatedParameters
	}
	return al, nil
}

// RunID identifies this aligner's iterations in logs and reports.
func (al *Aligner) RunID() string {
	return al.runID.String()
}

// LastReport returns the most recent iteration report, or nil.
func (al *Aligner) LastReport() *IterationReport {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.last
}

// Run performs up to cfg.Iterations iterations over the same events.
func (al *Aligner) Run(ctx context.Context, events []Event) ([]IterationReport, error) {
	var reports []IterationReport
	for it := 1; it <= al.cfg.Iterations; it++ {
		rep, err := al.Iterate(ctx, it, events)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
		if al.cfg.StopWhenInsignificant && !rep.Significant {
			al.logger.Info("alignment converged", "run", al.RunID(), "iteration", it)
			break
		}
	}
	return reports, nil
}

type fitTally struct {
	fitted, rejected, failed int
	chiPerNDF                float64
}

// Iterate runs one alignment iteration.
func (al *Aligner) Iterate(ctx context.Context, iteration int, events []Event) (IterationReport, error) {
	start := time.Now()
	g := al.store.Load()
	al.logger.Info("alignment iteration start",
		"run", al.RunID(), "iteration", iteration, "generation", g.Generation, "events", len(events))

	workers := al.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(1, min(workers, len(events)))

	partials := make([][]*Accumulator, workers)
	tallies := make([]fitTally, workers)
	for w := range partials {
		partials[w] = make([]*Accumulator, len(al.accumulators))
		for k, acc := range al.accumulators {
			partials[w][k] = acc.Fork()
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := w; i < len(events); i += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := al.accumulateEvent(g, events[i], partials[w], &tallies[w]); err != nil {
					return fmt.Errorf("event %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return IterationReport{}, err
	}

	var total fitTally
	for w := range partials {
		for k, acc := range al.accumulators {
			if err := acc.Merge(partials[w][k]); err != nil {
				return IterationReport{}, err
			}
		}
		total.fitted += tallies[w].fitted
		total.rejected += tallies[w].rejected
		total.failed += tallies[w].failed
		total.chiPerNDF += tallies[w].chiPerNDF
	}

	// Every plane is solved before any accumulator moves, so a failed solve
	// leaves the accumulators at the published geometry.
	solutions := make([]Solution, 0, len(al.accumulators))
	for _, acc := range al.accumulators {
		al.logger.Info("solve start",
			"plane", acc.PlaneID(), "mask", acc.Mask().String(), "measurements", acc.Measurements())
		sol, err := acc.Propose()
		if err != nil {
			for _, a := range al.accumulators {
				a.Reset()
			}
			return IterationReport{}, err
		}
		solutions = append(solutions, sol)
	}

	planes := slices.Clone(g.Planes)
	for k, acc := range al.accumulators {
		sol := solutions[k]
		acc.Commit(sol)
		idx := al.planeIndex[k]
		planes[idx] = sol.Apply(planes[idx])
		al.logSolution(sol)
	}

	next := al.store.Publish(planes)
	geometryGeneration.Set(float64(next.Generation))

	rep := IterationReport{
		RunID:      al.RunID(),
		Iteration:  iteration,
		Generation: next.Generation,
		Events:     len(events),
		Fitted:     total.fitted,
		Rejected:   total.rejected,
		Failed:     total.failed,
		Planes:     solutions,
		Timestamp:  time.Now().Unix(),
	}
	if total.fitted > 0 {
		rep.MeanChi2PerNDF = total.chiPerNDF / float64(total.fitted)
	}
	for _, s := range solutions {
		if s.Significant() {
			rep.Significant = true
		}
	}

	al.mu.Lock()
	al.last = &rep
	al.mu.Unlock()

	if al.sink != nil {
		if err := al.sink.PublishReport(rep); err != nil {
			al.logger.Warn("publishing alignment report", "run", al.RunID(), "error", err)
		}
	}

	iterationDuration.Observe(time.Since(start).Seconds())
	al.logger.Info("alignment iteration end",
		"run", al.RunID(), "iteration", iteration, "generation", next.Generation,
		"fitted", rep.Fitted, "rejected", rep.Rejected, "failed", rep.Failed,
		"chi2ndf", rep.MeanChi2PerNDF, "significant", rep.Significant)
	return rep, nil
}

// accumulateEvent fits one event and feeds its crossings to the partial
// accumulators. Only structurally invalid events return an error.
func (al *Aligner) accumulateEvent(g *track.Geometry, ev Event, accs []*Accumulator, tally *fitTally) error {
	fit, err := track.Fit(g.Planes, ev.Hits, al.cfg.InitialPoint, al.cfg.InitialDirection, al.cfg.Fit)
	if err != nil {
		if errors.Is(err, track.ErrShapeMismatch) {
			return err
		}
		tally.failed++
		fitsTotal.WithLabelValues("error").Inc()
		return nil
	}
	fitIterations.Observe(float64(fit.Iterations))

	switch {
	case !fit.Solved():
		tally.rejected++
		fitsTotal.WithLabelValues("unsolved").Inc()
		return nil
	case !fit.Converged():
		tally.rejected++
		fitsTotal.WithLabelValues("max_iterations").Inc()
		return nil
	case al.cfg.MaxChiSquarePerNDF > 0 && fit.ChiSquare/float64(fit.NDF) > al.cfg.MaxChiSquarePerNDF:
		tally.rejected++
		fitsTotal.WithLabelValues("chi2_cut").Inc()
		return nil
	}
	tally.fitted++
	tally.chiPerNDF += fit.ChiSquare / float64(fit.NDF)
	fitsTotal.WithLabelValues("accepted").Inc()

	_, dir := fit.Line()
	for k, acc := range accs {
		idx := al.planeIndex[k]
		ip := fit.Impacts[idx]
		if !g.Planes[idx].Accepts(ip.Local) {
			continue
		}
		if err := acc.Accumulate(ip.Global, dir, ev.Hits[idx]); err != nil {
			al.logger.Debug("skipping crossing", "plane", acc.PlaneID(), "error", err)
		}
	}
	return nil
}

func (al *Aligner) logSolution(sol Solution) {
	plane := strconv.Itoa(sol.PlaneID)
	solvesTotal.WithLabelValues(plane).Inc()

	attrs := []any{"run", al.RunID(), "plane", sol.PlaneID, "measurements", sol.Measurements, "chi2", sol.ChiSquare}
	for _, r := range sol.Parameters {
		if !r.Floated {
			continue
		}
		parameterTotal.WithLabelValues(plane, r.Name).Set(r.Total)
		attrs = append(attrs, r.Name, fmt.Sprintf("%+.6g ± %.2g", r.Total, r.Uncertainty))
	}
	al.logger.Info("solve end", attrs...)
}
