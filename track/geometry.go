package track

import (
	"sync"
	"sync/atomic"
)

// Geometry is an immutable snapshot of the telescope. Fits read a snapshot;
// alignment publishes a new one with the next generation number.
type Geometry struct {
	Generation uint64          `json:"generation"`
	Planes     []DetectorPlane `json:"planes"`
}

// Plane looks up a plane by ID.
func (g *Geometry) Plane(id int) (DetectorPlane, int, bool) {
	for i, p := range g.Planes {
		if p.ID == id {
			return p, i, true
		}
	}
	return DetectorPlane{}, -1, false
}

// GeometryStore hands out the current Geometry snapshot.
type GeometryStore struct {
	mu      sync.Mutex // serializes Publish
	current atomic.Pointer[Geometry]
}

// NewGeometryStore creates a store holding planes as generation 0.
func NewGeometryStore(planes []DetectorPlane) *GeometryStore {
	s := &GeometryStore{}
	s.current.Store(&Geometry{Planes: clonePlanes(planes)})
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *GeometryStore) Load() *Geometry {
	return s.current.Load()
}

// Publish installs planes as the next generation and returns the snapshot.
func (s *GeometryStore) Publish(planes []DetectorPlane) *Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &Geometry{
		Generation: s.current.Load().Generation + 1,
		Planes:     clonePlanes(planes),
	}
	s.current.Store(next)
	return next
}

func clonePlanes(planes []DetectorPlane) []DetectorPlane {
	out := make([]DetectorPlane, len(planes))
	copy(out, planes)
	return out
}
