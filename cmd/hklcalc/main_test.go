package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/internal/state"
	"github.com/signalsfoundry/hklcalc/internal/statefile"
	"github.com/signalsfoundry/hklcalc/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("hklcalc %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func fields(t *testing.T, out string) []float64 {
	t.Helper()
	var vals []float64
	for _, f := range strings.Fields(out) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		vals = append(vals, v)
	}
	return vals
}

func formatFloats(v []float64) []string {
	out := make([]string, len(v))
	for i, x := range v {
		out[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return out
}

// solvedAngles returns the degrees that bring each hkl into diffraction
// under ub at the default energy.
func solvedAngles(t *testing.T, ub core.Mat3, hkls ...model.HKL) [][]float64 {
	t.Helper()
	ctx := context.Background()
	st := state.New(core.NewWillmottHorizontal(core.PositiveGamma), core.IncidenceEqualsExit{})
	defer st.Close()
	if err := st.SetUB(ctx, ub); err != nil {
		t.Fatalf("SetUB: %v", err)
	}
	out := make([][]float64, 0, len(hkls))
	for _, hkl := range hkls {
		pos, _, err := st.HklToAngles(ctx, hkl, model.HC)
		if err != nil {
			t.Fatalf("HklToAngles(%s): %v", hkl, err)
		}
		out = append(out, pos.InDegrees().Values())
	}
	return out
}

func TestInitWritesStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	out := mustExecute(t, "--state", path, "init")
	if !strings.Contains(out, "wrote "+path) {
		t.Fatalf("init output = %q", out)
	}
	doc, err := statefile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Geometry != "willmott_horizontal" {
		t.Fatalf("geometry = %q", doc.Geometry)
	}
	if doc.Constraint.Name != core.ConstraintIncidenceEqExit {
		t.Fatalf("constraint = %+v", doc.Constraint)
	}

	if _, err := execute(t, "--state", path, "init"); err == nil {
		t.Fatalf("second init without --force should fail")
	}
	mustExecute(t, "--state", path, "init", "--force")
}

func TestInitKeepsCorruptStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	const corrupt = "reflections: [\n"
	if err := os.WriteFile(path, []byte(corrupt), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := execute(t, "--state", path, "init"); err == nil {
		t.Fatalf("init over a corrupt state file should fail")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != corrupt {
		t.Fatalf("state file was rewritten: %q", data)
	}

	mustExecute(t, "--state", path, "init", "--force")
	if _, err := statefile.Load(path); err != nil {
		t.Fatalf("Load after forced init: %v", err)
	}
}

func TestCalibrateAndSolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	si := core.CubicLattice("si", 5.431)
	B, err := si.BMatrix()
	if err != nil {
		t.Fatalf("BMatrix: %v", err)
	}
	ub0 := core.RotZ(-0.4).Mul(core.RotX(0.15)).Mul(B)
	hkls := []model.HKL{{H: 0, K: 0, L: 1}, {H: 1, K: 1, L: 1}}
	angles := solvedAngles(t, ub0, hkls...)

	mustExecute(t, "--state", path, "init")
	mustExecute(t, "--state", path, "lattice", "si", "5.431", "5.431", "5.431", "90", "90", "90")

	if _, err := execute(t, "--state", path, "hkl", "0", "0", "1"); err == nil {
		t.Fatalf("hkl without UB should fail")
	}

	for i, hkl := range hkls {
		args := []string{"--state", path, "refs", "add", "--tag", "ref", "--"}
		args = append(args, formatFloats([]float64{hkl.H, hkl.K, hkl.L})...)
		args = append(args, formatFloats(angles[i])...)
		out := mustExecute(t, args...)
		if want := "added reflection " + strconv.Itoa(i+1); !strings.Contains(out, want) {
			t.Fatalf("refs add output = %q, want %q", out, want)
		}
	}

	list := mustExecute(t, "--state", path, "refs", "list")
	if strings.Count(list, "ref") < 2 {
		t.Fatalf("refs list = %q", list)
	}

	got := fields(t, mustExecute(t, "--state", path, "ub", "calc"))
	if len(got) != 9 {
		t.Fatalf("ub calc printed %d values", len(got))
	}
	for i, want := range ub0.Flatten() {
		if math.Abs(got[i]-want) > 1e-5 {
			t.Fatalf("ub[%d] = %v, want %v", i, got[i], want)
		}
	}

	shown := fields(t, mustExecute(t, "--state", path, "ub", "show"))
	if len(shown) != 9 || math.Abs(shown[8]-got[8]) > 1e-9 {
		t.Fatalf("ub show = %v, calc = %v", shown, got)
	}

	solved := fields(t, mustExecute(t, "--state", path, "hkl", "1", "1", "1"))
	if len(solved) != 7 {
		t.Fatalf("hkl printed %v", solved)
	}
	for i, want := range angles[1] {
		if math.Abs(solved[i]-want) > 1e-5 {
			t.Fatalf("angle %d = %v, want %v", i, solved[i], want)
		}
	}
	if math.Abs(solved[5]-solved[6]) > 1e-5 {
		t.Fatalf("betain %v != betaout %v", solved[5], solved[6])
	}

	args := append([]string{"--state", path, "angles", "--"}, formatFloats(angles[0])...)
	hkl := fields(t, mustExecute(t, args...))
	if len(hkl) != 3 || math.Abs(hkl[0]) > 1e-5 || math.Abs(hkl[1]) > 1e-5 || math.Abs(hkl[2]-1) > 1e-5 {
		t.Fatalf("angles -> %v, want 0 0 1", hkl)
	}
}

func TestReflectionEditing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	mustExecute(t, "--state", path, "init")

	mustExecute(t, "--state", path, "refs", "add", "--tag", "first", "0", "0", "1", "0", "10", "0", "20")
	mustExecute(t, "--state", path, "refs", "add", "--tag", "second", "1", "1", "1", "0", "15", "5", "30")

	mustExecute(t, "--state", path, "refs", "swap", "1", "2")
	doc, err := statefile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Reflections["ref_0"].Tag != "second" || doc.Reflections["ref_1"].Tag != "first" {
		t.Fatalf("after swap: %+v", doc.Reflections)
	}

	if _, err := execute(t, "--state", path, "refs", "rm", "3"); err == nil {
		t.Fatalf("rm out of range should fail")
	}
	mustExecute(t, "--state", path, "refs", "rm", "1")
	doc, err = statefile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Reflections) != 1 || doc.Reflections["ref_0"].Tag != "first" {
		t.Fatalf("after rm: %+v", doc.Reflections)
	}
}

func TestConstraintCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	mustExecute(t, "--state", path, "init")

	out := mustExecute(t, "--state", path, "constraint", "betain", "2.5")
	if !strings.Contains(out, "betain") {
		t.Fatalf("constraint output = %q", out)
	}
	doc, err := statefile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Constraint.Name != core.ConstraintIncidence || doc.Constraint.Value == nil || math.Abs(*doc.Constraint.Value-2.5) > 1e-12 {
		t.Fatalf("constraint = %+v", doc.Constraint)
	}

	if _, err := execute(t, "--state", path, "constraint", "sideways"); err == nil {
		t.Fatalf("unknown constraint should fail")
	}
	if _, err := execute(t, "--state", path, "lattice", "bad", "0", "1", "1", "90", "90", "90"); err == nil {
		t.Fatalf("zero-length lattice should fail")
	}
}
