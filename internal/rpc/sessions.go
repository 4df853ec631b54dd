package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/hardware"
	"github.com/signalsfoundry/hklcalc/internal/config"
	"github.com/signalsfoundry/hklcalc/internal/logging"
	"github.com/signalsfoundry/hklcalc/internal/observability"
	"github.com/signalsfoundry/hklcalc/internal/state"
	"github.com/signalsfoundry/hklcalc/timectrl"
)

// session is one open diffractometer.
type session struct {
	id       string
	state    *state.DiffractometerState
	monitor  *hardware.Dummy
	recorder *observability.ReflectionRecorder
}

// Registry owns the open sessions. Each session is built from the base
// configuration, optionally with a different geometry or sign policy.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	cfg     config.Config
	log     logging.Logger
	rpc     *observability.RPCCollector
	solver  core.SolveRecorder
	clock   timectrl.Clock
	idMaker func() string
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithRegistryLogger attaches a structured logger.
func WithRegistryLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRPCCollector feeds session and reflection gauges.
func WithRPCCollector(c *observability.RPCCollector) RegistryOption {
	return func(r *Registry) {
		r.rpc = c
	}
}

// WithSolveRecorder attaches solver metrics to every session's calculator.
func WithSolveRecorder(m core.SolveRecorder) RegistryOption {
	return func(r *Registry) {
		r.solver = m
	}
}

// WithRegistryClock sets the clock that stamps reflections.
func WithRegistryClock(c timectrl.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// NewRegistry returns an empty registry over cfg.
func NewRegistry(cfg config.Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		cfg:      cfg,
		log:      logging.Noop(),
		idMaker:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create opens a session. Empty geometry or policy names fall back to the
// configuration. The configured lattice, UB and energy are applied.
func (r *Registry) Create(ctx context.Context, geometry, policy string) (string, error) {
	s, err := r.create(ctx, geometry, policy)
	if err != nil {
		return "", err
	}
	return s.id, nil
}

func (r *Registry) create(ctx context.Context, geometry, policy string) (*session, error) {
	cfg := r.cfg
	if geometry != "" {
		cfg.Geometry.Name = geometry
	}
	if policy != "" {
		cfg.Geometry.SignPolicy = policy
	}
	g, err := cfg.NewGeometry()
	if err != nil {
		return nil, err
	}
	c, err := cfg.ParseConstraint()
	if err != nil {
		return nil, err
	}

	id := r.idMaker()
	monitor := hardware.NewDummy(g.Name(), g.PhysicalAxisNames())
	monitor.SetEnergy(cfg.Energy)

	calcOpts := cfg.CalculatorOptions()
	if r.solver != nil {
		calcOpts = append(calcOpts, core.WithSolveRecorder(r.solver))
	}
	opts := []state.Option{
		state.WithLogger(r.log.With(logging.String("session_id", id))),
		state.WithMonitor(monitor),
		state.WithCalculatorOptions(calcOpts...),
	}
	if r.clock != nil {
		opts = append(opts, state.WithClock(r.clock))
	}
	var recorder *observability.ReflectionRecorder
	if r.rpc != nil {
		recorder = r.rpc.ReflectionRecorder()
		opts = append(opts, state.WithMetricsRecorder(recorder))
	}
	st := state.New(g, c, opts...)

	if l, ok := cfg.CoreLattice(); ok {
		if err := st.SetLattice(ctx, l); err != nil {
			st.Close()
			return nil, err
		}
	}
	if len(cfg.UB) > 0 {
		ub, err := core.Mat3FromSlice(cfg.UB)
		if err == nil {
			err = st.SetUB(ctx, ub)
		}
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	s := &session{id: id, state: st, monitor: monitor, recorder: recorder}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.rpc.SessionOpened()

	r.log.Info(ctx, "session opened",
		logging.String("session_id", id),
		logging.String("geometry", g.Name()),
		logging.String("sign_policy", st.SignPolicy().String()))
	return s, nil
}

// State returns the diffractometer state of session id.
func (r *Registry) State(id string) (*state.DiffractometerState, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.state, nil
}

func (r *Registry) get(id string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	return s, nil
}

// Close removes the session and releases its metrics.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	s.release()
	r.rpc.SessionClosed()
	r.log.Info(ctx, "session closed", logging.String("session_id", id))
	return nil
}

// CloseAll closes every session, for server shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, id := range r.IDs() {
		_ = r.Close(ctx, id)
	}
}

// IDs lists the open session IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (s *session) release() {
	s.state.Close()
	if s.recorder != nil {
		s.recorder.Release()
	}
}
