// Package hardware reads the instrument state the calculator needs: the
// physical axis positions and the beam energy.
package hardware

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/hklcalc/model"
)

var (
	// ErrEnergyNotSet is returned when no beam energy has been recorded.
	ErrEnergyNotSet = errors.New("energy has not been set")
	// ErrUnknownAxis is returned when an axis name is not served by a monitor.
	ErrUnknownAxis = errors.New("unknown axis")
)

// Monitor reports diffractometer positions in degrees and the beam energy
// in keV.
type Monitor interface {
	// Name identifies the diffractometer hardware.
	Name() string
	// AxisNames lists the physical axes in Position order.
	AxisNames() []string
	// Position returns the physical axis values in degrees.
	Position(ctx context.Context) ([]float64, error)
	// Energy returns the beam energy in keV.
	Energy(ctx context.Context) (float64, error)
}

// Wavelength derives the wavelength in Å from a monitor's energy.
func Wavelength(ctx context.Context, m Monitor) (float64, error) {
	e, err := m.Energy(ctx)
	if err != nil {
		return 0, err
	}
	return model.WavelengthFromEnergy(e)
}

// PositionByName returns the value of one named axis.
func PositionByName(ctx context.Context, m Monitor, name string) (float64, error) {
	pos, err := m.Position(ctx)
	if err != nil {
		return 0, err
	}
	for i, n := range m.AxisNames() {
		if n == name && i < len(pos) {
			return pos[i], nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAxis, name)
}
