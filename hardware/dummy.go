package hardware

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/hklcalc/model"
)

// DefaultEnergy is the energy a Dummy starts at, giving λ = 1 Å.
const DefaultEnergy = model.HC

// Dummy is an in-memory Monitor whose state is set by the caller. The raw
// energy is multiplied by EnergyMultiplier to get keV, for sources that
// report eV or other units.
type Dummy struct {
	mu         sync.RWMutex
	name       string
	axes       []string
	position   []float64
	energy     float64
	hasEnergy  bool
	multiplier float64
}

// NewDummy returns a monitor at all-zero angles and DefaultEnergy.
func NewDummy(name string, axes []string) *Dummy {
	return &Dummy{
		name:       name,
		axes:       append([]string(nil), axes...),
		position:   make([]float64, len(axes)),
		energy:     DefaultEnergy,
		hasEnergy:  true,
		multiplier: 1,
	}
}

func (d *Dummy) Name() string { return d.name }

func (d *Dummy) AxisNames() []string {
	return append([]string(nil), d.axes...)
}

func (d *Dummy) Position(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]float64(nil), d.position...), nil
}

// SetPosition records new axis values in degrees.
func (d *Dummy) SetPosition(angles ...float64) error {
	if len(angles) != len(d.axes) {
		return fmt.Errorf("%s expects %d angles, got %d", d.name, len(d.axes), len(angles))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.position, angles)
	return nil
}

// SetAxis records one named axis value in degrees.
func (d *Dummy) SetAxis(name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range d.axes {
		if n == name {
			d.position[i] = value
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownAxis, name)
}

func (d *Dummy) Energy(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.hasEnergy {
		return 0, ErrEnergyNotSet
	}
	e := d.energy * d.multiplier
	if err := model.ValidateEnergy(e); err != nil {
		return 0, err
	}
	return e, nil
}

// SetEnergy records the raw energy reading.
func (d *Dummy) SetEnergy(raw float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.energy = raw
	d.hasEnergy = true
}

// ClearEnergy forgets the energy so later reads fail with ErrEnergyNotSet.
func (d *Dummy) ClearEnergy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasEnergy = false
}

// SetEnergyMultiplier sets the factor converting raw readings to keV.
func (d *Dummy) SetEnergyMultiplier(m float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.multiplier = m
}
