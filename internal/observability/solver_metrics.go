package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/model"
)

// Outcome labels for hklcalc_solutions_total.
const (
	OutcomeOK                = "ok"
	OutcomeDegenerate        = "degenerate"
	OutcomeUnreachable       = "unreachable"
	OutcomeRoundTripMismatch = "round_trip_mismatch"
	OutcomeNoOrientation     = "no_orientation"
	OutcomeInvalidInput      = "invalid_input"
	OutcomeError             = "error"
)

// SolverCollector exposes kinematics-solver metrics. It implements
// core.SolveRecorder.
type SolverCollector struct {
	gatherer prometheus.Gatherer

	Solutions     *prometheus.CounterVec
	SolveDuration *prometheus.HistogramVec
}

// NewSolverCollector registers solver metrics against the provided registerer.
func NewSolverCollector(reg prometheus.Registerer) (*SolverCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	solutions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hklcalc_solutions_total",
		Help: "Kinematics calculations, labeled by direction and outcome.",
	}, []string{"direction", "outcome"}), "hklcalc_solutions_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hklcalc_solve_duration_seconds",
		Help:    "Duration of a single kinematics calculation.",
		Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2},
	}, []string{"direction"}), "hklcalc_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SolverCollector{
		gatherer:      gatherer,
		Solutions:     solutions,
		SolveDuration: duration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SolverCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSolve records one calculation.
func (c *SolverCollector) ObserveSolve(direction string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	if c.Solutions != nil {
		c.Solutions.WithLabelValues(direction, Outcome(err)).Inc()
	}
	if c.SolveDuration != nil {
		c.SolveDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
	}
}

// Outcome classifies a calculation error into a metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, core.ErrDegenerateGeometry):
		return OutcomeDegenerate
	case errors.Is(err, core.ErrUnreachableHkl):
		return OutcomeUnreachable
	case errors.Is(err, core.ErrRoundTripMismatch):
		return OutcomeRoundTripMismatch
	case errors.Is(err, core.ErrNoOrientation):
		return OutcomeNoOrientation
	case errors.Is(err, model.ErrInvalidEnergy),
		errors.Is(err, core.ErrInvalidPosition),
		errors.Is(err, core.ErrUnknownConstraint):
		return OutcomeInvalidInput
	default:
		return OutcomeError
	}
}
