package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/hardware"
	"github.com/signalsfoundry/hklcalc/internal/statefile"
	"github.com/signalsfoundry/hklcalc/kb"
	"github.com/signalsfoundry/hklcalc/model"
)

var (
	// ErrUnknownSession is returned for a session ID that is not open.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidRequest is used for malformed request fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// ToStatusError maps calculator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrUnknownSession),
		errors.Is(err, kb.ErrNoSuchReflection),
		errors.Is(err, hardware.ErrUnknownAxis):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, model.ErrInvalidEnergy),
		errors.Is(err, model.ErrTooManyAxes),
		errors.Is(err, core.ErrInvalidPosition),
		errors.Is(err, core.ErrUnknownConstraint),
		errors.Is(err, core.ErrUnknownGeometry),
		errors.Is(err, core.ErrUnknownSignPolicy),
		errors.Is(err, core.ErrInvalidLattice),
		errors.Is(err, kb.ErrInvalidStateKey),
		errors.Is(err, statefile.ErrGeometryMismatch):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, core.ErrDegenerateGeometry),
		errors.Is(err, core.ErrUnreachableHkl),
		errors.Is(err, core.ErrRoundTripMismatch):
		return status.Error(codes.OutOfRange, err.Error())

	case errors.Is(err, core.ErrInsufficientCalibrationData),
		errors.Is(err, core.ErrNoOrientation),
		errors.Is(err, core.ErrSingularMatrix),
		errors.Is(err, hardware.ErrEnergyNotSet):
		return status.Error(codes.FailedPrecondition, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
