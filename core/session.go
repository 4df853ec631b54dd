package core

import (
	"fmt"
	"sync"
)

// Snapshot is an immutable view of the session state used for one
// calculation. The inverse of UB is computed once when UB is set.
type Snapshot struct {
	UB         Mat3
	UBInverse  Mat3
	HasUB      bool
	Constraint Constraint
	Lattice    *Lattice
}

// Session holds the mutable orientation matrix, lattice and constraint.
// Writers are serialised; readers take a Snapshot and never observe a half
// applied update.
type Session struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewSession returns a session with no UB and the given constraint.
func NewSession(c Constraint) *Session {
	return &Session{snap: Snapshot{Constraint: c}}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	if snap.Lattice != nil {
		l := *snap.Lattice
		snap.Lattice = &l
	}
	return snap
}

// SetUB installs an orientation matrix. Singular matrices are rejected.
func (s *Session) SetUB(ub Mat3) error {
	inv, err := ub.Inverse()
	if err != nil {
		return fmt.Errorf("set UB: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.UB = ub
	s.snap.UBInverse = inv
	s.snap.HasUB = true
	return nil
}

// ClearUB forgets the orientation matrix.
func (s *Session) ClearUB() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.UB = Mat3{}
	s.snap.UBInverse = Mat3{}
	s.snap.HasUB = false
}

// UB returns the orientation matrix or ErrNoOrientation.
func (s *Session) UB() (Mat3, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.snap.HasUB {
		return Mat3{}, ErrNoOrientation
	}
	return s.snap.UB, nil
}

// SetConstraint replaces the active reference condition.
func (s *Session) SetConstraint(c Constraint) error {
	if c == nil {
		return fmt.Errorf("%w: nil constraint", ErrUnknownConstraint)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Constraint = c
	return nil
}

// SetLattice records the unit cell used by later UB calculations. Setting a
// new lattice clears a previously set UB, which no longer matches it.
func (s *Session) SetLattice(l Lattice) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Lattice = &l
	s.snap.UB = Mat3{}
	s.snap.UBInverse = Mat3{}
	s.snap.HasUB = false
	return nil
}

// Lattice returns the current lattice, if any.
func (s *Session) Lattice() (Lattice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.Lattice == nil {
		return Lattice{}, false
	}
	return *s.snap.Lattice, true
}
