package core

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/hklcalc/internal/logging"
	"github.com/signalsfoundry/hklcalc/model"
)

const tracerName = "github.com/signalsfoundry/hklcalc/core"

// DefaultRoundTripTolerance is the largest hkl deviation accepted by the
// round-trip guard.
const DefaultRoundTripTolerance = 1e-6

// Directions reported to a SolveRecorder.
const (
	DirectionAnglesToHkl = "angles_to_hkl"
	DirectionHklToAngles = "hkl_to_angles"
)

// SolveRecorder receives one observation per calculation.
type SolveRecorder interface {
	ObserveSolve(direction string, elapsed time.Duration, err error)
}

// Calculator answers forward and inverse kinematics queries for one
// geometry. It holds no session state: every call reads the Snapshot it is
// given, so results are a pure function of snapshot and inputs.
type Calculator struct {
	geometry       Geometry
	checkRoundTrip bool
	tolerance      float64
	log            logging.Logger
	metrics        SolveRecorder
}

// CalculatorOption customises Calculator construction.
type CalculatorOption func(*Calculator)

// WithRoundTripCheck enables or disables the guard that maps computed
// angles back to hkl. A non-positive tolerance keeps the default.
func WithRoundTripCheck(enabled bool, tolerance float64) CalculatorOption {
	return func(c *Calculator) {
		c.checkRoundTrip = enabled
		if tolerance > 0 {
			c.tolerance = tolerance
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) CalculatorOption {
	return func(c *Calculator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSolveRecorder attaches an optional metrics recorder.
func WithSolveRecorder(m SolveRecorder) CalculatorOption {
	return func(c *Calculator) {
		c.metrics = m
	}
}

// NewCalculator builds a calculator. The round-trip guard is on by default.
func NewCalculator(g Geometry, opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		geometry:       g,
		checkRoundTrip: true,
		tolerance:      DefaultRoundTripTolerance,
		log:            logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Geometry returns the geometry the calculator was built for.
func (c *Calculator) Geometry() Geometry { return c.geometry }

// AnglesToHkl applies the forward map, scales by 2π/λ and applies UB⁻¹.
func (c *Calculator) AnglesToHkl(ctx context.Context, snap Snapshot, pos model.Position, wavelength float64) (hkl model.HKL, err error) {
	ctx, span := c.start(ctx, "Calculator.AnglesToHkl",
		attribute.String("position", pos.String()),
		attribute.Float64("wavelength", wavelength))
	defer c.finish(span, DirectionAnglesToHkl, time.Now(), &err)

	if err := checkWavelength(wavelength); err != nil {
		return model.HKL{}, err
	}
	if !snap.HasUB {
		return model.HKL{}, ErrNoOrientation
	}
	return c.anglesToHkl(snap, pos, wavelength)
}

func (c *Calculator) anglesToHkl(snap Snapshot, pos model.Position, wavelength float64) (model.HKL, error) {
	q, err := c.geometry.AnglesToQPhi(pos)
	if err != nil {
		return model.HKL{}, err
	}
	v := snap.UBInverse.MulVec(q.Scale(2 * math.Pi / wavelength))
	return model.HKL{H: v.X, K: v.Y, L: v.Z}, nil
}

// HklToAngles applies UB to hkl, rescales to units of 2π/λ and inverts the
// geometry under the snapshot's constraint. The position is returned in
// degrees. When the round-trip guard is enabled the result is mapped back
// and rejected with ErrRoundTripMismatch if it misses hkl.
func (c *Calculator) HklToAngles(ctx context.Context, snap Snapshot, hkl model.HKL, wavelength float64) (pos model.Position, va VirtualAngles, err error) {
	ctx, span := c.start(ctx, "Calculator.HklToAngles",
		attribute.Float64("h", hkl.H),
		attribute.Float64("k", hkl.K),
		attribute.Float64("l", hkl.L),
		attribute.Float64("wavelength", wavelength),
		attribute.String("constraint", ConstraintString(snap.Constraint)))
	defer c.finish(span, DirectionHklToAngles, time.Now(), &err)

	if err := checkWavelength(wavelength); err != nil {
		return model.Position{}, VirtualAngles{}, err
	}
	if !snap.HasUB {
		return model.Position{}, VirtualAngles{}, ErrNoOrientation
	}

	q := snap.UB.MulVec(hklVec(hkl)).Scale(wavelength / (2 * math.Pi))
	rad, va, err := c.geometry.QPhiToAngles(q, snap.Constraint)
	if err != nil {
		return model.Position{}, VirtualAngles{}, fmt.Errorf("hkl %s: %w", hkl, err)
	}
	c.log.Debug(ctx, "resolved reference angles",
		logging.Float64("betain_deg", va.Betain*180/math.Pi),
		logging.Float64("betaout_deg", va.Betaout*180/math.Pi))

	if c.checkRoundTrip {
		back, err := c.anglesToHkl(snap, rad, wavelength)
		if err != nil {
			return model.Position{}, VirtualAngles{}, err
		}
		if d := maxDeviation(hkl, back); d > c.tolerance {
			return model.Position{}, VirtualAngles{}, fmt.Errorf("%w: requested %s, angles %s give %s (deviation %.3g)",
				ErrRoundTripMismatch, hkl, rad.InDegrees(), back, d)
		}
	}
	return rad.InDegrees(), va, nil
}

// VirtualAngles derives the diagnostic angles of pos.
func (c *Calculator) VirtualAngles(pos model.Position) (VirtualAngles, error) {
	return c.geometry.VirtualAngles(pos)
}

func (c *Calculator) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs = append(attrs, attribute.String("geometry", c.geometry.Name()))
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func (c *Calculator) finish(span trace.Span, direction string, started time.Time, errp *error) {
	err := *errp
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if c.metrics != nil {
		c.metrics.ObserveSolve(direction, time.Since(started), err)
	}
}

func checkWavelength(wavelength float64) error {
	if !(wavelength > 0) || math.IsInf(wavelength, 0) {
		return fmt.Errorf("%w: wavelength %v", model.ErrInvalidEnergy, wavelength)
	}
	return nil
}

func maxDeviation(a, b model.HKL) float64 {
	return math.Max(math.Abs(a.H-b.H), math.Max(math.Abs(a.K-b.K), math.Abs(a.L-b.L)))
}
