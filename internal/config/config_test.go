package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/hklcalc/core"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hklcalc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	g, err := cfg.NewGeometry()
	require.NoError(t, err)
	assert.Equal(t, core.WillmottHorizontalName, g.Name())

	c, err := cfg.ParseConstraint()
	require.NoError(t, err)
	assert.Equal(t, core.IncidenceEqualsExit{}, c)
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
geometry:
  name: willmott_horizontal
  sign_policy: negative_gamma
constraint:
  name: betain
  value: 5
lattice:
  name: si
  a: 5.431
  b: 5.431
  c: 5.431
  alpha: 90
  beta: 90
  gamma: 90
server:
  grpc_addr: 127.0.0.1:7000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.GRPCAddr)
	assert.Equal(t, ":9100", cfg.Server.MetricsAddr, "unset fields keep defaults")
	assert.True(t, cfg.Solver.RoundTripCheck)

	g, err := cfg.NewGeometry()
	require.NoError(t, err)
	assert.Equal(t, core.NegativeGamma, g.(*core.WillmottHorizontal).SignPolicy())

	c, err := cfg.ParseConstraint()
	require.NoError(t, err)
	assert.InDelta(t, 5*math.Pi/180, c.(core.IncidenceFixed).Angle, 1e-15)

	l, ok := cfg.CoreLattice()
	require.True(t, ok)
	assert.Equal(t, 5.431, l.A)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"HKLCALC_CONSTRAINT":           "betaout",
		"HKLCALC_CONSTRAINT_VALUE":     "2.5",
		"HKLCALC_ROUND_TRIP_CHECK":     "false",
		"HKLCALC_ENERGY":               "8",
		"HKLCALC_LOG_LEVEL":            "DEBUG",
		"HKLCALC_TRACING_ENABLED":      "true",
		"HKLCALC_TRACING_SAMPLE_RATIO": "0.25",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "betaout", cfg.Constraint.Name)
	assert.Equal(t, 2.5, *cfg.Constraint.Value)
	assert.False(t, cfg.Solver.RoundTripCheck)
	assert.Equal(t, 8.0, cfg.Energy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.ObservabilityTracing().Enabled)
	assert.Equal(t, 0.25, cfg.ObservabilityTracing().SampleRatio)
}

func TestApplyEnvReportsBadNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"HKLCALC_ENERGY":           "lots",
		"HKLCALC_ROUND_TRIP_CHECK": "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HKLCALC_ENERGY")
	assert.Contains(t, err.Error(), "HKLCALC_ROUND_TRIP_CHECK")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown constraint": func(c *Config) { c.Constraint.Name = "alpha" },
		"missing value":      func(c *Config) { c.Constraint.Name = "betain" },
		"bad sign policy":    func(c *Config) { c.Geometry.SignPolicy = "up" },
		"unknown geometry":   func(c *Config) { c.Geometry.Name = "sixc" },
		"zero energy":        func(c *Config) { c.Energy = 0 },
		"short ub":           func(c *Config) { c.UB = []float64{1, 2, 3} },
		"singular ub":        func(c *Config) { c.UB = make([]float64, 9) },
		"bad lattice angle":  func(c *Config) { c.Lattice = &LatticeConfig{A: 1, B: 1, C: 1, Alpha: 200, Beta: 90, Gamma: 90} },
		"open lattice":       func(c *Config) { c.Lattice = &LatticeConfig{A: 1, B: 1, C: 1, Alpha: 60, Beta: 60, Gamma: 150} },
		"sample ratio":       func(c *Config) { c.Tracing.SampleRatio = 2 },
		"log format":         func(c *Config) { c.Logging.Format = "xml" },
		"no grpc addr":       func(c *Config) { c.Server.GRPCAddr = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestValidateAcceptsUB(t *testing.T) {
	cfg := Default()
	cfg.UB = core.Identity3().Scale(2 * math.Pi).Flatten()
	assert.NoError(t, cfg.Validate())
}
