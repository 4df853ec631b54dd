// Package statefile persists a diffractometer state as a YAML document.
package statefile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/internal/state"
	"github.com/signalsfoundry/hklcalc/kb"
)

// ErrGeometryMismatch is returned when a document is applied to a state
// built for a different geometry.
var ErrGeometryMismatch = errors.New("state file geometry mismatch")

// Document is the persisted layout. Angles are in degrees.
type Document struct {
	Geometry    string          `yaml:"geometry"`
	SignPolicy  string          `yaml:"sign_policy,omitempty"`
	Lattice     *Lattice        `yaml:"lattice,omitempty"`
	UB          []float64       `yaml:"ub,omitempty,flow"`
	Constraint  ConstraintEntry `yaml:"constraint"`
	Reflections kb.State        `yaml:"reflections"`
}

// Lattice mirrors core.Lattice with YAML names.
type Lattice struct {
	Name  string  `yaml:"name,omitempty"`
	A     float64 `yaml:"a"`
	B     float64 `yaml:"b"`
	C     float64 `yaml:"c"`
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	Gamma float64 `yaml:"gamma"`
}

// ConstraintEntry is a named constraint with its value in degrees.
type ConstraintEntry struct {
	Name  string   `yaml:"name"`
	Value *float64 `yaml:"value,omitempty"`
}

// Capture builds a document from the current state.
func Capture(s *state.DiffractometerState) Document {
	snap := s.Snapshot()
	doc := Document{
		Geometry:    snap.Geometry,
		SignPolicy:  snap.SignPolicy.String(),
		Reflections: s.Reflections().State(),
	}
	if l := snap.Session.Lattice; l != nil {
		doc.Lattice = &Lattice{Name: l.Name, A: l.A, B: l.B, C: l.C, Alpha: l.Alpha, Beta: l.Beta, Gamma: l.Gamma}
	}
	if snap.Session.HasUB {
		doc.UB = snap.Session.UB.Flatten()
	}
	if c := snap.Session.Constraint; c != nil {
		doc.Constraint.Name = c.Name()
		if v, ok := c.Value(); ok {
			deg := v * 180 / math.Pi
			doc.Constraint.Value = &deg
		}
	}
	return doc
}

// Apply loads the document into s. The lattice is applied before UB since
// setting a lattice clears UB.
func (d Document) Apply(ctx context.Context, s *state.DiffractometerState) error {
	if d.Geometry != "" && d.Geometry != s.Geometry().Name() {
		return fmt.Errorf("%w: file has %q, state uses %q", ErrGeometryMismatch, d.Geometry, s.Geometry().Name())
	}
	if d.Lattice != nil {
		l := core.Lattice{Name: d.Lattice.Name, A: d.Lattice.A, B: d.Lattice.B, C: d.Lattice.C,
			Alpha: d.Lattice.Alpha, Beta: d.Lattice.Beta, Gamma: d.Lattice.Gamma}
		if err := s.SetLattice(ctx, l); err != nil {
			return err
		}
	}
	if len(d.UB) > 0 {
		ub, err := core.Mat3FromSlice(d.UB)
		if err != nil {
			return fmt.Errorf("ub: %w", err)
		}
		if err := s.SetUB(ctx, ub); err != nil {
			return err
		}
	}
	if d.Constraint.Name != "" {
		c, err := d.Constraint.Parse()
		if err != nil {
			return err
		}
		if err := s.SetConstraint(ctx, c); err != nil {
			return err
		}
	}
	if d.Reflections != nil {
		return s.Reflections().Restore(d.Reflections)
	}
	return nil
}

// Parse converts the entry to a core constraint.
func (c ConstraintEntry) Parse() (core.Constraint, error) {
	var rad *float64
	if c.Value != nil {
		v := *c.Value * math.Pi / 180
		rad = &v
	}
	return core.ParseConstraint(c.Name, rad)
}

// Marshal encodes the document as YAML.
func Marshal(d Document) ([]byte, error) {
	return yaml.Marshal(d)
}

// Unmarshal decodes a YAML document.
func Unmarshal(data []byte) (Document, error) {
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("decode state: %w", err)
	}
	return d, nil
}

// Load reads a document from path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read state: %w", err)
	}
	return Unmarshal(data)
}

// Save writes the document to path through a temporary file in the same
// directory, so readers never see a partial file.
func Save(path string, d Document) error {
	data, err := Marshal(d)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
