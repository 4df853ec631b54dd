// Package state coordinates the pieces one diffractometer needs: the
// orientation session, the reflection catalogue, the calculator and the
// hardware monitor.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/hardware"
	"github.com/signalsfoundry/hklcalc/internal/logging"
	"github.com/signalsfoundry/hklcalc/kb"
	"github.com/signalsfoundry/hklcalc/model"
	"github.com/signalsfoundry/hklcalc/timectrl"
)

// ErrNoLattice is returned by CalculateUB before a lattice is set.
var ErrNoLattice = errors.New("lattice not set")

// MetricsRecorder receives the catalogue size after every change.
type MetricsRecorder interface {
	SetReflectionCount(n int)
}

// DiffractometerState owns the mutable state of one diffractometer.
// Compound operations that read the catalogue and write the session, such
// as CalculateUB, hold mu so they observe and publish one consistent view.
type DiffractometerState struct {
	mu sync.Mutex

	geometry core.Geometry
	session  *core.Session
	refs     *kb.ReflectionList
	calc     *core.Calculator
	calib    *core.Calibrator
	monitor  hardware.Monitor

	log     logging.Logger
	metrics MetricsRecorder

	// countMu orders catalogue events into metrics; countSeq is the last
	// event recorded.
	countMu  sync.Mutex
	countSeq uint64

	clock    timectrl.Clock
	calcOpts []core.CalculatorOption
	unsub    func()
}

// Snapshot is a consistent copy of the state.
type Snapshot struct {
	Geometry    string
	SignPolicy  core.SignPolicy
	Session     core.Snapshot
	Reflections []model.Reflection
}

// Option customises DiffractometerState construction.
type Option func(*DiffractometerState)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *DiffractometerState) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional recorder for the catalogue size.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *DiffractometerState) {
		s.metrics = m
	}
}

// WithMonitor sets the hardware monitor. The default is a Dummy with the
// geometry's physical axes.
func WithMonitor(m hardware.Monitor) Option {
	return func(s *DiffractometerState) {
		s.monitor = m
	}
}

// WithClock sets the clock used to stamp reflections.
func WithClock(c timectrl.Clock) Option {
	return func(s *DiffractometerState) {
		s.clock = c
	}
}

// WithCalculatorOptions passes options through to the calculator.
func WithCalculatorOptions(opts ...core.CalculatorOption) Option {
	return func(s *DiffractometerState) {
		s.calcOpts = append(s.calcOpts, opts...)
	}
}

// New wires a state for geometry g with initial constraint c.
func New(g core.Geometry, c core.Constraint, opts ...Option) *DiffractometerState {
	s := &DiffractometerState{
		geometry: g,
		session:  core.NewSession(c),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.monitor == nil {
		s.monitor = hardware.NewDummy(g.Name(), g.PhysicalAxisNames())
	}
	s.refs = kb.NewReflectionList(g, kb.WithClock(s.clock))
	s.calc = core.NewCalculator(g, append([]core.CalculatorOption{core.WithLogger(s.log)}, s.calcOpts...)...)
	s.calib = core.NewCalibrator(g)

	if s.metrics != nil {
		s.metrics.SetReflectionCount(0)
		s.unsub = s.refs.Subscribe(s.recordCount)
	}
	return s
}

// recordCount forwards the catalogue size, dropping events older than one
// already recorded.
func (s *DiffractometerState) recordCount(ev kb.Event) {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	if ev.Seq <= s.countSeq {
		return
	}
	s.countSeq = ev.Seq
	s.metrics.SetReflectionCount(ev.Len)
}

// Close detaches metrics subscriptions.
func (s *DiffractometerState) Close() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

func (s *DiffractometerState) Geometry() core.Geometry         { return s.geometry }
func (s *DiffractometerState) Session() *core.Session          { return s.session }
func (s *DiffractometerState) Reflections() *kb.ReflectionList { return s.refs }
func (s *DiffractometerState) Calculator() *core.Calculator    { return s.calc }
func (s *DiffractometerState) Monitor() hardware.Monitor       { return s.monitor }

// SignPolicy reports the geometry's root policy, PositiveGamma when the
// geometry has none.
func (s *DiffractometerState) SignPolicy() core.SignPolicy {
	if p, ok := s.geometry.(interface{ SignPolicy() core.SignPolicy }); ok {
		return p.SignPolicy()
	}
	return core.PositiveGamma
}

// Snapshot copies the session and catalogue.
func (s *DiffractometerState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Geometry:    s.geometry.Name(),
		SignPolicy:  s.SignPolicy(),
		Session:     s.session.Snapshot(),
		Reflections: s.refs.List(),
	}
}

// SetLattice records the unit cell. Any UB is cleared.
func (s *DiffractometerState) SetLattice(ctx context.Context, l core.Lattice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.session.SetLattice(l); err != nil {
		return err
	}
	s.log.Info(ctx, "lattice set", logging.String("lattice", l.String()))
	return nil
}

// SetUB installs an orientation matrix directly.
func (s *DiffractometerState) SetUB(ctx context.Context, ub core.Mat3) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.session.SetUB(ub); err != nil {
		return err
	}
	s.log.Info(ctx, "UB set", logging.Floats("ub", ub.Flatten()))
	return nil
}

// SetConstraint replaces the reference condition.
func (s *DiffractometerState) SetConstraint(ctx context.Context, c core.Constraint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.session.SetConstraint(c); err != nil {
		return err
	}
	s.log.Info(ctx, "constraint set", logging.String("constraint", core.ConstraintString(c)))
	return nil
}

// CalculateUB fits UB from the reflections at the given 1-based indices, or
// from the whole catalogue when none are given, and installs it.
func (s *DiffractometerState) CalculateUB(ctx context.Context, indices ...int) (core.Mat3, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lattice, ok := s.session.Lattice()
	if !ok {
		return core.Mat3{}, fmt.Errorf("%w: %w", core.ErrInsufficientCalibrationData, ErrNoLattice)
	}
	var refs []model.Reflection
	if len(indices) == 0 {
		refs = s.refs.List()
	} else {
		for _, i := range indices {
			r, err := s.refs.Get(i)
			if err != nil {
				return core.Mat3{}, err
			}
			refs = append(refs, r)
		}
	}
	ub, err := s.calib.CalculateUB(lattice, refs...)
	if err != nil {
		return core.Mat3{}, err
	}
	if err := s.session.SetUB(ub); err != nil {
		return core.Mat3{}, err
	}
	s.log.Info(ctx, "UB calculated",
		logging.Int("reflections", len(refs)),
		logging.Floats("ub", ub.Flatten()))
	return ub, nil
}

// HklToAngles solves for hkl at the given energy in keV.
func (s *DiffractometerState) HklToAngles(ctx context.Context, hkl model.HKL, energy float64) (model.Position, core.VirtualAngles, error) {
	wl, err := model.WavelengthFromEnergy(energy)
	if err != nil {
		return model.Position{}, core.VirtualAngles{}, err
	}
	return s.calc.HklToAngles(ctx, s.session.Snapshot(), hkl, wl)
}

// AnglesToHkl maps a position to hkl at the given energy in keV.
func (s *DiffractometerState) AnglesToHkl(ctx context.Context, pos model.Position, energy float64) (model.HKL, error) {
	wl, err := model.WavelengthFromEnergy(energy)
	if err != nil {
		return model.HKL{}, err
	}
	return s.calc.AnglesToHkl(ctx, s.session.Snapshot(), pos, wl)
}

// CurrentPosition reads the monitor into a Position in degrees.
func (s *DiffractometerState) CurrentPosition(ctx context.Context) (model.Position, float64, error) {
	pos, err := s.monitorPosition(ctx)
	if err != nil {
		return model.Position{}, 0, err
	}
	energy, err := s.monitor.Energy(ctx)
	if err != nil {
		return model.Position{}, 0, err
	}
	return pos, energy, nil
}

func (s *DiffractometerState) monitorPosition(ctx context.Context) (model.Position, error) {
	angles, err := s.monitor.Position(ctx)
	if err != nil {
		return model.Position{}, err
	}
	return s.geometry.FromPhysical(angles)
}

// CurrentHkl reports the hkl the instrument is at now, at the wavelength
// the monitor's energy gives.
func (s *DiffractometerState) CurrentHkl(ctx context.Context) (model.HKL, model.Position, error) {
	pos, err := s.monitorPosition(ctx)
	if err != nil {
		return model.HKL{}, model.Position{}, err
	}
	wl, err := hardware.Wavelength(ctx, s.monitor)
	if err != nil {
		return model.HKL{}, model.Position{}, err
	}
	hkl, err := s.calc.AnglesToHkl(ctx, s.session.Snapshot(), pos, wl)
	return hkl, pos, err
}

// AddReflectionHere records hkl at the monitor's current position and energy.
func (s *DiffractometerState) AddReflectionHere(ctx context.Context, hkl model.HKL, tag string) (int, error) {
	pos, energy, err := s.CurrentPosition(ctx)
	if err != nil {
		return 0, err
	}
	idx, err := s.refs.Add(hkl, pos, energy, tag, model.Timestamp{})
	if err != nil {
		return 0, err
	}
	s.log.Info(ctx, "reflection added",
		logging.Int("index", idx),
		logging.String("hkl", hkl.String()),
		logging.String("position", pos.String()))
	return idx, nil
}
