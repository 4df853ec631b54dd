package model

import (
	"errors"
	"fmt"
	"math"
)

// HC is Planck's constant times the speed of light in keV·Å. Every
// energy/wavelength conversion uses this exact value.
const HC = 12.39842

// ErrInvalidEnergy is returned for an energy that is not strictly positive.
var ErrInvalidEnergy = errors.New("invalid energy")

// WavelengthFromEnergy converts a photon energy in keV to a wavelength in Å.
func WavelengthFromEnergy(energy float64) (float64, error) {
	if err := ValidateEnergy(energy); err != nil {
		return 0, err
	}
	return HC / energy, nil
}

// EnergyFromWavelength converts a wavelength in Å to a photon energy in keV.
func EnergyFromWavelength(wavelength float64) (float64, error) {
	if !(wavelength > 0) || math.IsInf(wavelength, 0) {
		return 0, fmt.Errorf("%w: wavelength %v", ErrInvalidEnergy, wavelength)
	}
	return HC / wavelength, nil
}

// ValidateEnergy rejects zero, negative, NaN and infinite energies.
func ValidateEnergy(energy float64) error {
	if !(energy > 0) || math.IsInf(energy, 0) {
		return fmt.Errorf("%w: %v keV", ErrInvalidEnergy, energy)
	}
	return nil
}

// HKL is a set of Miller indices.
type HKL struct {
	H, K, L float64
}

func (m HKL) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f)", m.H, m.K, m.L)
}

// Reflection is a reference reflection: a measured diffractometer position
// paired with known Miller indices. Wavelength is always derived from Energy.
type Reflection struct {
	HKL      HKL
	Position Position
	Energy   float64 // keV
	Tag      string
	Time     Timestamp
}

// Wavelength returns HC/Energy in Å.
func (r Reflection) Wavelength() float64 {
	return HC / r.Energy
}

func (r Reflection) String() string {
	return fmt.Sprintf("energy=%-6.3f h=%-4.2f k=%-4.2f l=%-4.2f %s %s %s",
		r.Energy, r.HKL.H, r.HKL.K, r.HKL.L, r.Position, r.Tag, r.Time)
}
