// Package config loads hklcalc settings from a YAML file, applies HKLCALC_*
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/internal/logging"
	"github.com/signalsfoundry/hklcalc/internal/observability"
	"github.com/signalsfoundry/hklcalc/model"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "HKLCALC_"

// Config is the complete runtime configuration.
type Config struct {
	Geometry   GeometryConfig   `yaml:"geometry"`
	Solver     SolverConfig     `yaml:"solver"`
	Constraint ConstraintConfig `yaml:"constraint"`
	Lattice    *LatticeConfig   `yaml:"lattice,omitempty"`

	// UB is an optional orientation matrix, nine row-major values.
	UB []float64 `yaml:"ub,omitempty" validate:"omitempty,len=9"`

	// Energy is the initial beam energy in keV.
	Energy float64 `yaml:"energy" validate:"gt=0"`

	Server    ServerConfig  `yaml:"server"`
	Logging   LoggingConfig `yaml:"logging"`
	Tracing   TracingConfig `yaml:"tracing"`
	StateFile string        `yaml:"state_file"`
}

type GeometryConfig struct {
	Name       string `yaml:"name" validate:"required"`
	SignPolicy string `yaml:"sign_policy" validate:"omitempty,oneof=positive_gamma negative_gamma"`
}

type SolverConfig struct {
	RoundTripCheck bool    `yaml:"round_trip_check"`
	Tolerance      float64 `yaml:"tolerance" validate:"gt=0"`
}

// ConstraintConfig names the reference condition. Value is in degrees.
type ConstraintConfig struct {
	Name  string   `yaml:"name" validate:"required,oneof=betain betaout betain_eq_betaout"`
	Value *float64 `yaml:"value,omitempty"`
}

type LatticeConfig struct {
	Name  string  `yaml:"name"`
	A     float64 `yaml:"a" validate:"gt=0"`
	B     float64 `yaml:"b" validate:"gt=0"`
	C     float64 `yaml:"c" validate:"gt=0"`
	Alpha float64 `yaml:"alpha" validate:"gt=0,lt=180"`
	Beta  float64 `yaml:"beta" validate:"gt=0,lt=180"`
	Gamma float64 `yaml:"gamma" validate:"gt=0,lt=180"`
}

type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=stdout otlp otlpgrpc"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Geometry:   GeometryConfig{Name: core.WillmottHorizontalName, SignPolicy: core.PositiveGamma.String()},
		Solver:     SolverConfig{RoundTripCheck: true, Tolerance: core.DefaultRoundTripTolerance},
		Constraint: ConstraintConfig{Name: core.ConstraintIncidenceEqExit},
		Energy:     model.HC,
		Server:     ServerConfig{GRPCAddr: ":50061", MetricsAddr: ":9100"},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Tracing:    TracingConfig{ServiceName: "hklcalc", Exporter: "stdout", SampleRatio: 1},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates. A missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HKLCALC_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("GEOMETRY", &c.Geometry.Name)
	str("SIGN_POLICY", &c.Geometry.SignPolicy)
	boolean("ROUND_TRIP_CHECK", &c.Solver.RoundTripCheck)
	float("ROUND_TRIP_TOLERANCE", &c.Solver.Tolerance)
	str("CONSTRAINT", &c.Constraint.Name)
	if v, ok := lookup(EnvPrefix + "CONSTRAINT_VALUE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCONSTRAINT_VALUE: %w", EnvPrefix, err))
		} else {
			c.Constraint.Value = &f
		}
	}
	float("ENERGY", &c.Energy)
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	str("METRICS_ADDR", &c.Server.MetricsAddr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	str("TRACING_EXPORTER", &c.Tracing.Exporter)
	str("TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	float("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)
	str("STATE_FILE", &c.StateFile)

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	c.Tracing.Exporter = strings.ToLower(c.Tracing.Exporter)
	return errors.Join(errs...)
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := c.NewGeometry(); err != nil {
		return err
	}
	if _, err := c.ParseConstraint(); err != nil {
		return err
	}
	if l, ok := c.CoreLattice(); ok {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	if len(c.UB) == 9 {
		ub, _ := core.Mat3FromSlice(c.UB)
		if _, err := ub.Inverse(); err != nil {
			return fmt.Errorf("ub: %w", err)
		}
	}
	return nil
}

// NewGeometry builds the configured geometry.
func (c Config) NewGeometry() (core.Geometry, error) {
	policy, err := core.ParseSignPolicy(c.Geometry.SignPolicy)
	if err != nil {
		return nil, err
	}
	return core.NewGeometry(c.Geometry.Name, policy)
}

// ParseConstraint converts the configured constraint, taking its value from
// degrees to radians.
func (c Config) ParseConstraint() (core.Constraint, error) {
	var rad *float64
	if c.Constraint.Value != nil {
		v := *c.Constraint.Value * math.Pi / 180
		rad = &v
	}
	return core.ParseConstraint(c.Constraint.Name, rad)
}

// CoreLattice returns the configured lattice, if any.
func (c Config) CoreLattice() (core.Lattice, bool) {
	if c.Lattice == nil {
		return core.Lattice{}, false
	}
	l := c.Lattice
	return core.Lattice{Name: l.Name, A: l.A, B: l.B, C: l.C, Alpha: l.Alpha, Beta: l.Beta, Gamma: l.Gamma}, true
}

// CalculatorOptions maps the solver section onto calculator options.
func (c Config) CalculatorOptions() []core.CalculatorOption {
	return []core.CalculatorOption{core.WithRoundTripCheck(c.Solver.RoundTripCheck, c.Solver.Tolerance)}
}

// LoggerConfig returns the logger settings.
func (c Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}

// ObservabilityTracing returns the tracing settings.
func (c Config) ObservabilityTracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}
