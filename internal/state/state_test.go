package state

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/hardware"
	"github.com/signalsfoundry/hklcalc/kb"
	"github.com/signalsfoundry/hklcalc/model"
	"github.com/signalsfoundry/hklcalc/timectrl"
)

var si = core.CubicLattice("si", 5.431)

type stubMetricsRecorder struct {
	counts []int
}

func (r *stubMetricsRecorder) SetReflectionCount(n int) { r.counts = append(r.counts, n) }

func (r *stubMetricsRecorder) last() int {
	if len(r.counts) == 0 {
		return -1
	}
	return r.counts[len(r.counts)-1]
}

func newState(t *testing.T, opts ...Option) *DiffractometerState {
	t.Helper()
	clock := timectrl.NewManualClock(time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC), time.Second)
	opts = append([]Option{WithClock(clock)}, opts...)
	s := New(core.NewWillmottHorizontal(core.PositiveGamma), core.IncidenceEqualsExit{}, opts...)
	t.Cleanup(s.Close)
	return s
}

func orientedUB(t *testing.T) core.Mat3 {
	t.Helper()
	B, err := si.BMatrix()
	if err != nil {
		t.Fatalf("BMatrix: %v", err)
	}
	return core.RotZ(-0.4).Mul(core.RotX(0.15)).Mul(B)
}

func moveTo(t *testing.T, s *DiffractometerState, pos model.Position) {
	t.Helper()
	phys, err := s.Geometry().ToPhysical(pos)
	if err != nil {
		t.Fatalf("ToPhysical: %v", err)
	}
	if err := s.Monitor().(*hardware.Dummy).SetPosition(phys...); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
}

func TestCalculateUBFromCatalogue(t *testing.T) {
	ctx := context.Background()
	s := newState(t)
	ub0 := orientedUB(t)

	// positions of two reflections under a known UB, found with a scratch state
	scratch := newState(t)
	if err := scratch.SetUB(ctx, ub0); err != nil {
		t.Fatalf("SetUB: %v", err)
	}
	for _, hkl := range []model.HKL{{H: 0, K: 0, L: 1}, {H: 1, K: 1, L: 1}} {
		pos, _, err := scratch.HklToAngles(ctx, hkl, model.HC)
		if err != nil {
			t.Fatalf("HklToAngles(%s): %v", hkl, err)
		}
		moveTo(t, s, pos)
		if _, err := s.AddReflectionHere(ctx, hkl, "ref"); err != nil {
			t.Fatalf("AddReflectionHere: %v", err)
		}
	}

	if _, err := s.CalculateUB(ctx); !errors.Is(err, ErrNoLattice) {
		t.Fatalf("CalculateUB without lattice error = %v, want ErrNoLattice", err)
	}
	if err := s.SetLattice(ctx, si); err != nil {
		t.Fatalf("SetLattice: %v", err)
	}
	ub, err := s.CalculateUB(ctx, 1, 2)
	if err != nil {
		t.Fatalf("CalculateUB: %v", err)
	}
	if !ub.ApproxEqual(ub0, 1e-9) {
		t.Fatalf("UB = %v, want %v", ub, ub0)
	}
	if got, err := s.Session().UB(); err != nil || got != ub {
		t.Fatalf("session UB = %v, %v; want installed result", got, err)
	}

	if _, err := s.CalculateUB(ctx, 1, 5); !errors.Is(err, kb.ErrNoSuchReflection) {
		t.Fatalf("CalculateUB(1,5) error = %v, want ErrNoSuchReflection", err)
	}
}

func TestCurrentHkl(t *testing.T) {
	ctx := context.Background()
	s := newState(t)
	if err := s.SetUB(ctx, orientedUB(t)); err != nil {
		t.Fatalf("SetUB: %v", err)
	}

	want := model.HKL{H: 1, K: 0, L: 2}
	pos, _, err := s.HklToAngles(ctx, want, model.HC)
	if err != nil {
		t.Fatalf("HklToAngles: %v", err)
	}
	moveTo(t, s, pos)

	got, at, err := s.CurrentHkl(ctx)
	if err != nil {
		t.Fatalf("CurrentHkl: %v", err)
	}
	if !at.ApproxEqual(pos, 1e-12) {
		t.Fatalf("CurrentHkl position = %v, want %v", at, pos)
	}
	if math.Abs(got.H-want.H) > 1e-9 || math.Abs(got.K-want.K) > 1e-9 || math.Abs(got.L-want.L) > 1e-9 {
		t.Fatalf("CurrentHkl = %s, want %s", got, want)
	}

	// an eV reading scaled to keV gives the same wavelength
	dummy := s.Monitor().(*hardware.Dummy)
	dummy.SetEnergyMultiplier(1e-3)
	dummy.SetEnergy(model.HC * 1e3)
	got, _, err = s.CurrentHkl(ctx)
	if err != nil {
		t.Fatalf("CurrentHkl in eV: %v", err)
	}
	if math.Abs(got.H-want.H) > 1e-9 || math.Abs(got.L-want.L) > 1e-9 {
		t.Fatalf("CurrentHkl in eV = %s, want %s", got, want)
	}

	dummy.ClearEnergy()
	if _, _, err := s.CurrentHkl(ctx); !errors.Is(err, hardware.ErrEnergyNotSet) {
		t.Fatalf("CurrentHkl without energy error = %v, want ErrEnergyNotSet", err)
	}
}

func TestEnergyValidation(t *testing.T) {
	ctx := context.Background()
	s := newState(t)
	if err := s.SetUB(ctx, orientedUB(t)); err != nil {
		t.Fatalf("SetUB: %v", err)
	}
	if _, _, err := s.HklToAngles(ctx, model.HKL{L: 1}, 0); !errors.Is(err, model.ErrInvalidEnergy) {
		t.Fatalf("HklToAngles energy 0 error = %v", err)
	}
	s.Monitor().(*hardware.Dummy).ClearEnergy()
	if _, err := s.AddReflectionHere(ctx, model.HKL{L: 1}, ""); !errors.Is(err, hardware.ErrEnergyNotSet) {
		t.Fatalf("AddReflectionHere error = %v, want ErrEnergyNotSet", err)
	}
}

func TestMetricsRecorderTracksCatalogue(t *testing.T) {
	ctx := context.Background()
	rec := &stubMetricsRecorder{}
	s := newState(t, WithMetricsRecorder(rec))
	if rec.last() != 0 {
		t.Fatalf("initial count = %d, want 0", rec.last())
	}
	for i := 0; i < 3; i++ {
		if _, err := s.AddReflectionHere(ctx, model.HKL{L: float64(i + 1)}, ""); err != nil {
			t.Fatalf("AddReflectionHere: %v", err)
		}
	}
	if rec.last() != 3 {
		t.Fatalf("count = %d, want 3", rec.last())
	}
	if err := s.Reflections().Remove(2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if rec.last() != 2 {
		t.Fatalf("count after remove = %d, want 2", rec.last())
	}
}

func TestMetricsRecorderIgnoresStaleEvents(t *testing.T) {
	rec := &stubMetricsRecorder{}
	s := newState(t, WithMetricsRecorder(rec))

	s.recordCount(kb.Event{Seq: 2, Type: kb.EventReflectionAdded, Index: 2, Len: 2})
	s.recordCount(kb.Event{Seq: 1, Type: kb.EventReflectionAdded, Index: 1, Len: 1})
	if rec.last() != 2 {
		t.Fatalf("count = %d, want 2", rec.last())
	}
}

func TestMetricsRecorderSettlesUnderConcurrentAdds(t *testing.T) {
	rec := &stubMetricsRecorder{}
	s := newState(t, WithMetricsRecorder(rec))

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Reflections().AddAngles(model.HKL{H: float64(i)}, []float64{10, 5, 2, 30}, 10, "", model.Timestamp{}); err != nil {
				t.Errorf("AddAngles: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if rec.last() != n {
		t.Fatalf("count = %d, want %d", rec.last(), n)
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newState(t)
	if err := s.SetLattice(ctx, si); err != nil {
		t.Fatalf("SetLattice: %v", err)
	}
	if err := s.SetConstraint(ctx, core.IncidenceFixed{Angle: 0.1}); err != nil {
		t.Fatalf("SetConstraint: %v", err)
	}
	if _, err := s.AddReflectionHere(ctx, model.HKL{L: 1}, "x"); err != nil {
		t.Fatalf("AddReflectionHere: %v", err)
	}

	snap := s.Snapshot()
	if snap.Geometry != core.WillmottHorizontalName || snap.SignPolicy != core.PositiveGamma {
		t.Fatalf("snapshot geometry = %s/%s", snap.Geometry, snap.SignPolicy)
	}
	if snap.Session.Lattice == nil || snap.Session.Lattice.A != si.A {
		t.Fatalf("snapshot lattice = %v", snap.Session.Lattice)
	}
	if snap.Session.Constraint != (core.IncidenceFixed{Angle: 0.1}) {
		t.Fatalf("snapshot constraint = %v", snap.Session.Constraint)
	}
	if len(snap.Reflections) != 1 || snap.Reflections[0].Tag != "x" {
		t.Fatalf("snapshot reflections = %v", snap.Reflections)
	}
}
