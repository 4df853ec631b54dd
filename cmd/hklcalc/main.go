// Command hklcalc converts between Miller indices and diffractometer angles
// against a YAML state file holding the orientation and reflection list.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/internal/config"
	"github.com/signalsfoundry/hklcalc/internal/logging"
	"github.com/signalsfoundry/hklcalc/internal/state"
	"github.com/signalsfoundry/hklcalc/internal/statefile"
)

const defaultStateFile = "hklcalc-state.yaml"

// cli carries the persistent flags and the loaded configuration.
type cli struct {
	configPath string
	statePath  string
	energy     float64

	cfg config.Config
	log logging.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "hklcalc",
		Short: "Diffractometer hkl <-> angle calculator",
		Long: `hklcalc maps Miller indices to diffractometer angles and back, and fits the
UB orientation matrix from reference reflections. State is kept in a YAML file.
Angles are in degrees and energies in keV. Put "--" before negative arguments.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&c.statePath, "state", "", "state file (default from config, then "+defaultStateFile+")")
	root.PersistentFlags().Float64Var(&c.energy, "energy", 0, "beam energy in keV (default from config)")

	root.AddCommand(
		c.initCmd(),
		c.latticeCmd(),
		c.constraintCmd(),
		c.hklCmd(),
		c.anglesCmd(),
		c.refsCmd(),
		c.ubCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cmd.ErrOrStderr()})
	if c.statePath == "" {
		c.statePath = cfg.StateFile
	}
	if c.statePath == "" {
		c.statePath = defaultStateFile
	}
	if c.energy == 0 {
		c.energy = cfg.Energy
	}
	return nil
}

// open builds a state from the configuration and applies the state file
// over it. A missing file yields the configured initial state.
func (c *cli) open(ctx context.Context) (*state.DiffractometerState, error) {
	doc, err := statefile.Load(c.statePath)
	fresh := errors.Is(err, fs.ErrNotExist)
	if err != nil && !fresh {
		return nil, err
	}

	cfg := c.cfg
	if doc.Geometry != "" {
		cfg.Geometry.Name = doc.Geometry
	}
	if doc.SignPolicy != "" {
		cfg.Geometry.SignPolicy = doc.SignPolicy
	}
	g, err := cfg.NewGeometry()
	if err != nil {
		return nil, err
	}
	con, err := cfg.ParseConstraint()
	if err != nil {
		return nil, err
	}
	st := state.New(g, con,
		state.WithLogger(c.log),
		state.WithCalculatorOptions(cfg.CalculatorOptions()...))

	if fresh {
		if l, ok := cfg.CoreLattice(); ok {
			if err := st.SetLattice(ctx, l); err != nil {
				return nil, err
			}
		}
		if len(cfg.UB) > 0 {
			ub, err := core.Mat3FromSlice(cfg.UB)
			if err != nil {
				return nil, err
			}
			if err := st.SetUB(ctx, ub); err != nil {
				return nil, err
			}
		}
		return st, nil
	}
	if err := doc.Apply(ctx, st); err != nil {
		return nil, fmt.Errorf("%s: %w", c.statePath, err)
	}
	return st, nil
}

func (c *cli) save(st *state.DiffractometerState) error {
	return statefile.Save(c.statePath, statefile.Capture(st))
}

// mutate opens the state, applies fn and saves the result.
func (c *cli) mutate(cmd *cobra.Command, fn func(context.Context, *state.DiffractometerState) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := fn(ctx, st); err != nil {
		return err
	}
	return c.save(st)
}

// view opens the state and applies fn without saving.
func (c *cli) view(cmd *cobra.Command, fn func(context.Context, *state.DiffractometerState) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}
