// Package telemetry holds the robot-wide power telemetry shared between the
// devices that report it and the power daemon that consumes it.
//
// Each field group has exactly one writer: the super-capacitor device calls
// UpdateCap, the referee link calls UpdateReferee. Any number of goroutines
// may call Snapshot.
package telemetry

import (
	"sync"
	"time"
)

// CapReport is one decoded super-capacitor status frame.
type CapReport struct {
	ErrorCode         uint8
	ChassisPower      float64 // W, measured at the capacitor board
	ChassisPowerLimit float64 // W, limit the board currently enforces
	CapEnergy         uint8   // 0..255 of full charge
}

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	Cap              CapReport
	CapUpdatedAt     time.Time
	RefereeLimit     float64 // W, referee-system chassis power limit
	RefereeUpdatedAt time.Time
}

// CapFresh reports whether a capacitor report arrived within maxAge of now.
func (s Snapshot) CapFresh(now time.Time, maxAge time.Duration) bool {
	return !s.CapUpdatedAt.IsZero() && now.Sub(s.CapUpdatedAt) <= maxAge
}

// RefereeFresh reports whether a referee limit arrived within maxAge of now.
func (s Snapshot) RefereeFresh(now time.Time, maxAge time.Duration) bool {
	return !s.RefereeUpdatedAt.IsZero() && now.Sub(s.RefereeUpdatedAt) <= maxAge
}

// Reader is the read side handed to consumers.
type Reader interface {
	Snapshot() Snapshot
}

type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// NewStoreWithClock stamps updates with now instead of the wall clock.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{now: now}
}

func (s *Store) UpdateCap(r CapReport) {
	t := s.now()
	s.mu.Lock()
	s.snap.Cap = r
	s.snap.CapUpdatedAt = t
	s.mu.Unlock()
}

func (s *Store) UpdateReferee(limit float64) {
	t := s.now()
	s.mu.Lock()
	s.snap.RefereeLimit = limit
	s.snap.RefereeUpdatedAt = t
	s.mu.Unlock()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
