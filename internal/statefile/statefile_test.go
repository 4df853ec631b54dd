package statefile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/internal/state"
	"github.com/signalsfoundry/hklcalc/model"
	"github.com/signalsfoundry/hklcalc/timectrl"
)

func newState(t *testing.T, policy core.SignPolicy) *state.DiffractometerState {
	t.Helper()
	clock := timectrl.NewManualClock(time.Date(2025, time.June, 2, 8, 30, 0, 123456789, time.UTC), time.Minute)
	return state.New(core.NewWillmottHorizontal(policy), core.IncidenceEqualsExit{}, state.WithClock(clock))
}

func populate(t *testing.T, s *state.DiffractometerState) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SetLattice(ctx, core.CubicLattice("si", 5.431)))
	require.NoError(t, s.SetUB(ctx, core.RotZ(0.2).Scale(1.1569)))
	require.NoError(t, s.SetConstraint(ctx, core.IncidenceFixed{Angle: 0.05}))

	refs := s.Reflections()
	_, err := refs.AddAngles(model.HKL{H: 0, K: 0, L: 1}, []float64{10.5, 1.25, 5.25, -30}, 12.39842, "specular", model.Timestamp{})
	require.NoError(t, err)
	_, err = refs.AddAngles(model.HKL{H: 1, K: 1, L: 1}, []float64{11.8, 14.1, 6.02, 132.7}, 10, "", model.Timestamp{})
	require.NoError(t, err)
	_, err = refs.AddAngles(model.HKL{H: 1, K: 0, L: 2}, []float64{20.77, 11.8, 10.49, -134.8}, 8.048, "cu", model.Timestamp{})
	require.NoError(t, err)
}

func TestSaveLoadApplyRoundTrip(t *testing.T) {
	src := newState(t, core.PositiveGamma)
	populate(t, src)

	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, Save(path, Capture(src)))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, core.WillmottHorizontalName, doc.Geometry)
	assert.Equal(t, "positive_gamma", doc.SignPolicy)
	require.NotNil(t, doc.Constraint.Value)
	assert.InDelta(t, 0.05*180/3.141592653589793, *doc.Constraint.Value, 1e-12)

	dst := newState(t, core.PositiveGamma)
	require.NoError(t, doc.Apply(context.Background(), dst))

	want, got := src.Snapshot(), dst.Snapshot()
	assert.Equal(t, want.Session.UB, got.Session.UB)
	assert.Equal(t, *want.Session.Lattice, *got.Session.Lattice)
	require.IsType(t, core.IncidenceFixed{}, got.Session.Constraint)
	assert.InDelta(t, 0.05, got.Session.Constraint.(core.IncidenceFixed).Angle, 1e-15)

	require.Len(t, got.Reflections, len(want.Reflections))
	for i := range want.Reflections {
		w, g := want.Reflections[i], got.Reflections[i]
		assert.Equal(t, w.HKL, g.HKL, "reflection %d", i+1)
		assert.Equal(t, w.Position, g.Position, "reflection %d", i+1)
		assert.Equal(t, w.Energy, g.Energy, "reflection %d", i+1)
		assert.Equal(t, w.Tag, g.Tag, "reflection %d", i+1)
		assert.True(t, w.Time.Equal(g.Time), "reflection %d time %s vs %s", i+1, w.Time, g.Time)
	}
}

func TestTimestampIsNotCode(t *testing.T) {
	src := newState(t, core.PositiveGamma)
	populate(t, src)
	data, err := Marshal(Capture(src))
	require.NoError(t, err)
	assert.Contains(t, string(data), `time: "2025-06-02T08:30:00.123456789Z"`)
	assert.NotContains(t, string(data), "datetime")
}

func TestUnmarshalOrdersReflectionsNumerically(t *testing.T) {
	var b strings.Builder
	b.WriteString("geometry: willmott_horizontal\nconstraint:\n  name: betain_eq_betaout\nreflections:\n")
	// written in lexical key order, as a YAML encoder would
	for _, n := range []string{"0", "1", "10", "11", "2", "3", "4", "5", "6", "7", "8", "9"} {
		b.WriteString("  ref_" + n + ":\n")
		b.WriteString("    h: " + n + "\n    k: 0\n    l: 1\n")
		b.WriteString("    position: [1, 2, 3, 4]\n    energy: 10\n")
		b.WriteString("    tag: t" + n + "\n    time: \"2025-01-01T00:00:00Z\"\n")
	}
	doc, err := Unmarshal([]byte(b.String()))
	require.NoError(t, err)

	s := newState(t, core.PositiveGamma)
	require.NoError(t, doc.Apply(context.Background(), s))
	refs := s.Reflections().List()
	require.Len(t, refs, 12)
	for i, r := range refs {
		assert.Equal(t, float64(i), r.HKL.H)
	}
}

func TestApplyGeometryMismatch(t *testing.T) {
	doc := Document{Geometry: "sixc"}
	err := doc.Apply(context.Background(), newState(t, core.PositiveGamma))
	assert.True(t, errors.Is(err, ErrGeometryMismatch), "error = %v", err)
}

func TestApplyRejectsBadConstraint(t *testing.T) {
	doc := Document{Constraint: ConstraintEntry{Name: "betaout"}}
	err := doc.Apply(context.Background(), newState(t, core.PositiveGamma))
	assert.ErrorIs(t, err, core.ErrUnknownConstraint)
}

func TestSaveLeavesNoTemporaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	require.NoError(t, Save(path, Document{Geometry: core.WillmottHorizontalName}))
	require.NoError(t, Save(path, Document{Geometry: core.WillmottHorizontalName}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.yaml", entries[0].Name())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
