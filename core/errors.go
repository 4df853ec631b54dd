package core

import "errors"

var (
	// ErrDegenerateGeometry is returned when the resolved reference angle is
	// zero or otherwise ill-posed, e.g. q perpendicular to the surface normal.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
	// ErrUnreachableHkl is returned when a requested hkl cannot be reached
	// under the current orientation and constraint.
	ErrUnreachableHkl = errors.New("hkl unreachable")
	// ErrRoundTripMismatch is returned when computed angles do not map back
	// to the requested hkl.
	ErrRoundTripMismatch = errors.New("angles do not map back to hkl")
	// ErrInsufficientCalibrationData is returned when too few independent
	// reference reflections are available to fix the orientation.
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")
	// ErrNoOrientation is returned by queries made before a UB matrix is set.
	ErrNoOrientation = errors.New("orientation matrix not set")
	// ErrInvalidPosition is returned for a position with the wrong axis count
	// or non-finite angles.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrUnknownGeometry is returned for an unregistered geometry name.
	ErrUnknownGeometry = errors.New("unknown geometry")
	// ErrUnknownSignPolicy is returned for an unrecognised sign policy name.
	ErrUnknownSignPolicy = errors.New("unknown sign policy")
	// ErrUnknownConstraint is returned for an unrecognised constraint name.
	ErrUnknownConstraint = errors.New("unknown constraint")
	// ErrInvalidLattice is returned for non-physical lattice parameters.
	ErrInvalidLattice = errors.New("invalid lattice")
)
