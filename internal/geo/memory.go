package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"dispatchd/internal/domain"
)

// MemoryIndex is an in-process Index. Reads run concurrently; writes are serialized.
type MemoryIndex struct {
	clock     clock.Clock
	liveness  time.Duration
	retention time.Duration

	mu        sync.RWMutex
	drivers   map[string]*entry
	lastEvict time.Time
}

// entry holds a driver's position and profile. Eviction drops only the
// position; the profile goes once the driver has been idle for the retention period.
type entry struct {
	candidate domain.DriverCandidate
	located   bool
	touched   time.Time
}

// NewMemoryIndex creates an empty MemoryIndex. Zero durations select the defaults.
func NewMemoryIndex(clk clock.Clock, liveness, retention time.Duration) *MemoryIndex {
	if liveness <= 0 {
		liveness = DefaultLivenessWindow
	}
	if retention < liveness {
		retention = max(DefaultProfileRetention, liveness)
	}
	return &MemoryIndex{
		clock:     clk,
		liveness:  liveness,
		retention: retention,
		drivers:   make(map[string]*entry),
	}
}

// UpsertLocation records a position report. Stale entries are evicted lazily here.
func (m *MemoryIndex) UpsertLocation(_ context.Context, u PositionUpdate) error {
	if u.DriverID == "" || !u.Location.Valid() {
		return ErrInvalidPosition
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e := m.entryLocked(u.DriverID, now)
	// Out-of-order reports never move a driver backwards in time.
	if e.located && ts.Before(e.candidate.UpdatedAt) {
		return nil
	}
	e.candidate.Location = u.Location
	e.candidate.Heading = u.Heading
	e.candidate.UpdatedAt = ts
	e.located = true

	m.maybeEvictLocked(now)
	return nil
}

// UpsertProfile implements Index.
func (m *MemoryIndex) UpsertProfile(_ context.Context, p domain.DriverProfile) error {
	if p.DriverID == "" {
		return ErrInvalidPosition
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e := m.entryLocked(p.DriverID, now)
	e.candidate.VehicleClass = p.VehicleClass
	e.candidate.Rating = p.Rating
	e.candidate.CompletedJobs = p.CompletedJobs
	e.candidate.Available = p.Available
	m.maybeEvictLocked(now)
	return nil
}

// SetAvailability implements Index.
func (m *MemoryIndex) SetAvailability(_ context.Context, driverID string, available bool) error {
	if driverID == "" {
		return ErrInvalidPosition
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.entryLocked(driverID, now).candidate.Available = available
	m.maybeEvictLocked(now)
	return nil
}

// Query implements Index.
func (m *MemoryIndex) Query(_ context.Context, center domain.Location, radiusMeters float64, f Filter) ([]domain.DriverCandidate, error) {
	cutoff := m.clock.Now().Add(-m.liveness)

	m.mu.RLock()
	out := make([]domain.DriverCandidate, 0)
	for _, e := range m.drivers {
		if !e.located || e.candidate.UpdatedAt.Before(cutoff) {
			continue
		}
		if !f.Matches(e.candidate) {
			continue
		}
		d := Haversine(center, e.candidate.Location)
		if d > radiusMeters {
			continue
		}
		c := e.candidate
		c.DistanceMeters = d
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

// Sweep drops every position older than the liveness window and forgets
// drivers idle for longer than the retention period. It returns the number
// of positions evicted.
func (m *MemoryIndex) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(m.clock.Now()), nil
}

// Len returns the number of drivers with a recorded position, stale ones included.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.drivers {
		if e.located {
			n++
		}
	}
	return n
}

// Known returns the number of drivers the index holds any state for.
func (m *MemoryIndex) Known() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drivers)
}

func (m *MemoryIndex) entryLocked(driverID string, now time.Time) *entry {
	e, ok := m.drivers[driverID]
	if !ok {
		e = &entry{candidate: domain.DriverCandidate{DriverID: driverID}}
		m.drivers[driverID] = e
	}
	e.touched = now
	return e
}

// maybeEvictLocked runs a full eviction pass at most once per liveness window.
func (m *MemoryIndex) maybeEvictLocked(now time.Time) {
	if now.Sub(m.lastEvict) < m.liveness {
		return
	}
	m.evictLocked(now)
}

func (m *MemoryIndex) evictLocked(now time.Time) int {
	m.lastEvict = now
	cutoff := now.Add(-m.liveness)
	forget := now.Add(-m.retention)
	n := 0
	for id, e := range m.drivers {
		if e.located && e.candidate.UpdatedAt.Before(cutoff) {
			e.located = false
			e.candidate.Location = domain.Location{}
			e.candidate.Heading = 0
			n++
		}
		if !e.located && e.touched.Before(forget) {
			delete(m.drivers, id)
		}
	}
	return n
}
