package align

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/svtalign/linalg"
	"github.com/kwv/svtalign/track"
)

const (
	misalignedID = 5
	injectedU    = 0.05
	injectedW    = 2e-3
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// misalign moves plane id of the synthetic telescope by du along its u axis
// and rotates it by gamma about w.
func misalign(planes []track.DetectorPlane, id int, du, gamma float64) []track.DetectorPlane {
	out := make([]track.DetectorPlane, len(planes))
	copy(out, planes)
	for i, p := range out {
		if p.ID != id {
			continue
		}
		out[i] = p.WithPose(
			p.Rotation.Mul(linalg.Rotation(2, gamma)),
			p.Origin.Add(p.Rotation.TMulVec(linalg.Vec3{du, 0, 0})),
		)
	}
	return out
}

// simulate generates smeared straight tracks through truth.
func simulate(t *testing.T, truth []track.DetectorPlane, n int, seed uint64) []Event {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	events := make([]Event, n)
	for i := range events {
		a := linalg.Vec3{-10 + 40*rng.Float64(), 10 + 25*rng.Float64(), 0}
		b := linalg.Vec3{-0.02 + 0.04*rng.Float64(), -0.02 + 0.04*rng.Float64(), 1}
		hits, err := track.GenerateHits(truth, a, b, rng)
		require.NoError(t, err)
		events[i] = Event{Hits: hits, Truth: &[track.NumParams]float64{a[0], a[1], b[0], b[1]}}
	}
	return events
}

func newTestAligner(t *testing.T, cfg Config, sink ReportSink) (*Aligner, *track.GeometryStore, []Event) {
	t.Helper()
	nominal := track.SyntheticDetector()
	truth := misalign(nominal, misalignedID, injectedU, injectedW)
	events := simulate(t, truth, 1500, 7)

	store := track.NewGeometryStore(nominal)
	masks := map[int]Mask{misalignedID: {ShiftU: true, RotW: true}}
	al, err := NewAligner(store, masks, cfg, quietLogger(), sink)
	require.NoError(t, err)
	return al, store, events
}

// ----------------------------------------------------------------------------
// Convergence
// ----------------------------------------------------------------------------

func TestAligner_RecoversMisalignedPlane(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 8
	cfg.Workers = 4
	al, store, events := newTestAligner(t, cfg, nil)

	reports, err := al.Run(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, reports, 8)

	first, last := reports[0], reports[len(reports)-1]
	assert.Greater(t, first.MeanChi2PerNDF, 3.0, "misalignment should inflate χ²")
	assert.InDelta(t, 1.0, last.MeanChi2PerNDF, 0.15)
	assert.Equal(t, len(events), last.Fitted)
	assert.Zero(t, last.Failed)

	require.Len(t, last.Planes, 1)
	sol := last.Planes[0]
	assert.Equal(t, misalignedID, sol.PlaneID)
	assert.InDelta(t, injectedU, sol.Parameters[ShiftU].Total, 0.003)
	assert.InDelta(t, injectedW, sol.Parameters[RotW].Total, 2e-4)
	assert.False(t, sol.Parameters[ShiftV].Floated)
	assert.Zero(t, sol.Parameters[ShiftV].Total)

	g := store.Load()
	assert.Equal(t, uint64(8), g.Generation)
	p, _, ok := g.Plane(misalignedID)
	require.True(t, ok)
	want, _, _ := (&track.Geometry{Planes: misalign(track.SyntheticDetector(), misalignedID, injectedU, injectedW)}).Plane(misalignedID)
	assert.InDeltaSlice(t, want.Origin[:], p.Origin[:], 0.01)
	assert.InDeltaSlice(t, want.Rotation[:], p.Rotation[:], 3e-4)
	assert.Less(t, p.Rotation.OrthonormalityError(), 1e-12)

	// Planes without a mask never move.
	nominal := track.SyntheticDetector()
	for i, q := range g.Planes {
		if q.ID != misalignedID {
			assert.Equal(t, nominal[i], q)
		}
	}
	assert.Equal(t, &last, al.LastReport())
}

func TestAligner_StopWhenInsignificant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 30
	cfg.StopWhenInsignificant = true
	al, store, events := newTestAligner(t, cfg, nil)

	reports, err := al.Run(context.Background(), events)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	assert.Less(t, len(reports), 30)
	assert.True(t, reports[0].Significant)
	assert.False(t, reports[len(reports)-1].Significant)
	assert.Equal(t, uint64(len(reports)), store.Load().Generation)
}

func TestAligner_ChiSquareCutRejectsTracks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 1
	cfg.MaxChiSquarePerNDF = 1e-3
	al, _, events := newTestAligner(t, cfg, nil)

	reports, err := al.Run(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Zero(t, reports[0].Fitted)
	assert.Equal(t, len(events), reports[0].Rejected)
	assert.Zero(t, reports[0].Planes[0].Tracks)
	assert.False(t, reports[0].Significant)
}

// ----------------------------------------------------------------------------
// Reporting
// ----------------------------------------------------------------------------

type recordingSink struct {
	reports []IterationReport
	err     error
}

func (s *recordingSink) PublishReport(r IterationReport) error {
	s.reports = append(s.reports, r)
	return s.err
}

func TestAligner_ReportsEveryIteration(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Iterations = 3
	al, _, events := newTestAligner(t, cfg, sink)

	reports, err := al.Run(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, reports, sink.reports)
	for i, r := range sink.reports {
		assert.Equal(t, al.RunID(), r.RunID)
		assert.Equal(t, i+1, r.Iteration)
		assert.Equal(t, uint64(i+1), r.Generation)
		assert.Equal(t, len(events), r.Events)
	}
}

func TestAligner_SinkFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	cfg := DefaultConfig()
	cfg.Iterations = 2
	al, _, events := newTestAligner(t, cfg, sink)

	reports, err := al.Run(context.Background(), events)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	assert.Len(t, sink.reports, 2)
}

func TestAligner_PublishesOverMQTT(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	pub := NewPublisher(client, "test")

	cfg := DefaultConfig()
	cfg.Iterations = 2
	al, _, events := newTestAligner(t, cfg, pub)
	_, err := al.Run(context.Background(), events)
	require.NoError(t, err)

	msgs := client.GetPublishedMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "test/alignment", msgs[0].Topic)
	assert.Equal(t, "test/alignment/plane/5", msgs[1].Topic)

	var rep IterationReport
	require.NoError(t, json.Unmarshal(msgs[2].Payload, &rep))
	assert.Equal(t, 2, rep.Iteration)
	assert.Equal(t, al.RunID(), rep.RunID)
}

// ----------------------------------------------------------------------------
// Errors
// ----------------------------------------------------------------------------

func TestNewAligner_Errors(t *testing.T) {
	store := track.NewGeometryStore(track.SyntheticDetector())

	_, err := NewAligner(store, map[int]Mask{99: {ShiftU: true}}, DefaultConfig(), nil, nil)
	assert.ErrorContains(t, err, "unknown plane 99")

	_, err = NewAligner(store, map[int]Mask{1: {}}, DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoFloatedParameters)

	_, err = NewAligner(store, nil, DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoFloatedParameters)
}

func TestAligner_ShapeMismatchIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 1
	al, store, events := newTestAligner(t, cfg, nil)
	events[3].Hits = events[3].Hits[:4]

	_, err := al.Run(context.Background(), events)
	assert.ErrorIs(t, err, track.ErrShapeMismatch)
	assert.Zero(t, store.Load().Generation)
}

func TestAligner_FailedSolveMovesNoPlane(t *testing.T) {
	var nominal []track.DetectorPlane
	for i := 1; i <= 6; i++ {
		nominal = append(nominal, track.DetectorPlane{
			ID:         i,
			Rotation:   linalg.Identity3(),
			Origin:     linalg.Vec3{0, 0, float64(100 * i)},
			Resolution: [2]float64{0.01, 0.01},
		})
	}
	truth := misalign(nominal, 2, 0.2, 0)

	// Identical tracks leave u and w of plane 4 degenerate.
	hits, err := track.GenerateHits(truth, linalg.Vec3{1, 2, 0}, linalg.Vec3{0.5, 0, 1}, nil)
	require.NoError(t, err)
	events := make([]Event, 8)
	for i := range events {
		events[i] = Event{Hits: hits}
	}

	store := track.NewGeometryStore(nominal)
	masks := map[int]Mask{
		2: {ShiftU: true},
		4: {ShiftU: true, ShiftW: true},
	}
	cfg := DefaultConfig()
	cfg.Workers = 2
	al, err := NewAligner(store, masks, cfg, quietLogger(), nil)
	require.NoError(t, err)

	_, err = al.Iterate(context.Background(), 1, events)
	require.ErrorIs(t, err, linalg.ErrSingular)
	assert.ErrorContains(t, err, "plane 4")

	g := store.Load()
	assert.Zero(t, g.Generation)
	assert.Equal(t, nominal, g.Planes)
	assert.Nil(t, al.LastReport())

	require.Len(t, al.accumulators, 2)
	for _, acc := range al.accumulators {
		p, _, ok := g.Plane(acc.PlaneID())
		require.True(t, ok)
		rot, origin := acc.Pose()
		assert.Equal(t, p.Rotation, rot, "plane %d", acc.PlaneID())
		assert.Equal(t, p.Origin, origin, "plane %d", acc.PlaneID())
		assert.Zero(t, acc.Totals(), "plane %d", acc.PlaneID())
		assert.Zero(t, acc.Measurements(), "plane %d", acc.PlaneID())
	}
}

func TestAligner_Cancelled(t *testing.T) {
	cfg := DefaultConfig()
	al, _, events := newTestAligner(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := al.Run(ctx, events)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, al.LastReport())
}
