package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/internal/state"
	"github.com/signalsfoundry/hklcalc/internal/statefile"
	"github.com/signalsfoundry/hklcalc/model"
)

func (c *cli) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a fresh state file from the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				_, err := statefile.Load(c.statePath)
				switch {
				case err == nil:
					return fmt.Errorf("%s already exists (use --force to overwrite)", c.statePath)
				case !errors.Is(err, fs.ErrNotExist):
					return fmt.Errorf("%s exists but cannot be loaded (use --force to overwrite): %w", c.statePath, err)
				}
			}
			cfg := c.cfg
			g, err := cfg.NewGeometry()
			if err != nil {
				return err
			}
			con, err := cfg.ParseConstraint()
			if err != nil {
				return err
			}
			st := state.New(g, con, state.WithLogger(c.log))
			defer st.Close()
			ctx := cmd.Context()
			if l, ok := cfg.CoreLattice(); ok {
				if err := st.SetLattice(ctx, l); err != nil {
					return err
				}
			}
			if len(cfg.UB) > 0 {
				ub, err := core.Mat3FromSlice(cfg.UB)
				if err != nil {
					return err
				}
				if err := st.SetUB(ctx, ub); err != nil {
					return err
				}
			}
			if err := c.save(st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %s)\n", c.statePath, g.Name(), st.SignPolicy())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing state file")
	return cmd
}

func (c *cli) latticeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lattice NAME A B C ALPHA BETA GAMMA",
		Short: "Set the unit cell (lengths in Å, angles in degrees); clears UB",
		Args:  cobra.ExactArgs(7),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloats(args[1:])
			if err != nil {
				return err
			}
			l := core.Lattice{Name: args[0], A: v[0], B: v[1], C: v[2], Alpha: v[3], Beta: v[4], Gamma: v[5]}
			return c.mutate(cmd, func(ctx context.Context, st *state.DiffractometerState) error {
				if err := st.SetLattice(ctx, l); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), l)
				return nil
			})
		},
	}
}

func (c *cli) constraintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "constraint NAME [VALUE]",
		Short: "Select the reference condition: betain, betaout (with a value in degrees) or betain_eq_betaout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := statefile.ConstraintEntry{Name: args[0]}
			if len(args) == 2 {
				v, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return fmt.Errorf("constraint value: %w", err)
				}
				entry.Value = &v
			}
			con, err := entry.Parse()
			if err != nil {
				return err
			}
			return c.mutate(cmd, func(ctx context.Context, st *state.DiffractometerState) error {
				if err := st.SetConstraint(ctx, con); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), core.ConstraintString(con))
				return nil
			})
		},
	}
}

func (c *cli) hklCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hkl H K L",
		Short: "Compute the angles that bring H K L into diffraction",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloats(args)
			if err != nil {
				return err
			}
			hkl := model.HKL{H: v[0], K: v[1], L: v[2]}
			return c.view(cmd, func(ctx context.Context, st *state.DiffractometerState) error {
				pos, va, err := st.HklToAngles(ctx, hkl, c.energy)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printAngles(out, st.Geometry().AxisNames(), pos.InDegrees().Values())
				deg := va.Degrees()
				for _, k := range []string{"theta", "betain", "betaout"} {
					fmt.Fprintf(out, "%-8s %12.6f\n", k, deg[k])
				}
				return nil
			})
		},
	}
}

func (c *cli) anglesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "angles ANGLE...",
		Short: "Compute H K L at the given axis angles in degrees",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloats(args)
			if err != nil {
				return err
			}
			return c.view(cmd, func(ctx context.Context, st *state.DiffractometerState) error {
				pos, err := st.Geometry().NewPosition(model.Degrees, v...)
				if err != nil {
					return err
				}
				hkl, err := st.AnglesToHkl(ctx, pos, c.energy)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "h %.6f k %.6f l %.6f\n", clean(hkl.H), clean(hkl.K), clean(hkl.L))
				return nil
			})
		},
	}
}

func (c *cli) refsCmd() *cobra.Command {
	refs := &cobra.Command{
		Use:   "refs",
		Short: "Manage the reference reflection list",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the reflection list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.view(cmd, func(_ context.Context, st *state.DiffractometerState) error {
				fmt.Fprint(cmd.OutOrStdout(), st.Reflections().String())
				return nil
			})
		},
	}

	var tag string
	add := &cobra.Command{
		Use:   "add H K L ANGLE...",
		Short: "Record a reflection measured at the given angles",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloats(args)
			if err != nil {
				return err
			}
			hkl := model.HKL{H: v[0], K: v[1], L: v[2]}
			return c.mutate(cmd, func(_ context.Context, st *state.DiffractometerState) error {
				idx, err := st.Reflections().AddAngles(hkl, v[3:], c.energy, tag, model.Timestamp{})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added reflection %d\n", idx)
				return nil
			})
		},
	}
	add.Flags().StringVar(&tag, "tag", "", "label stored with the reflection")

	rm := &cobra.Command{
		Use:     "rm INDEX",
		Aliases: []string{"remove"},
		Short:   "Remove the reflection at a 1-based index",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseInts(args)
			if err != nil {
				return err
			}
			return c.mutate(cmd, func(_ context.Context, st *state.DiffractometerState) error {
				return st.Reflections().Remove(idx[0])
			})
		},
	}

	swap := &cobra.Command{
		Use:   "swap A B",
		Short: "Exchange two reflections",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseInts(args)
			if err != nil {
				return err
			}
			return c.mutate(cmd, func(_ context.Context, st *state.DiffractometerState) error {
				return st.Reflections().Swap(idx[0], idx[1])
			})
		},
	}

	refs.AddCommand(list, add, rm, swap)
	return refs
}

func (c *cli) ubCmd() *cobra.Command {
	ub := &cobra.Command{
		Use:   "ub",
		Short: "Show, set or calculate the UB orientation matrix",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print UB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.view(cmd, func(_ context.Context, st *state.DiffractometerState) error {
				m, err := st.Session().UB()
				if err != nil {
					return err
				}
				printMatrix(cmd.OutOrStdout(), m)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set V1 ... V9",
		Short: "Set UB from nine row-major values",
		Args:  cobra.ExactArgs(9),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloats(args)
			if err != nil {
				return err
			}
			m, err := core.Mat3FromSlice(v)
			if err != nil {
				return err
			}
			return c.mutate(cmd, func(ctx context.Context, st *state.DiffractometerState) error {
				return st.SetUB(ctx, m)
			})
		},
	}

	calc := &cobra.Command{
		Use:   "calc [INDEX...]",
		Short: "Fit UB from reflections (all when no indices are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseInts(args)
			if err != nil {
				return err
			}
			return c.mutate(cmd, func(ctx context.Context, st *state.DiffractometerState) error {
				m, err := st.CalculateUB(ctx, idx...)
				if err != nil {
					return err
				}
				printMatrix(cmd.OutOrStdout(), m)
				return nil
			})
		},
	}

	ub.AddCommand(show, set, calc)
	return ub
}

func printAngles(w io.Writer, names []string, values []float64) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for i, n := range names {
		fmt.Fprintf(tw, "%s\t%12.6f\n", n, clean(values[i]))
	}
	tw.Flush()
}

func printMatrix(w io.Writer, m core.Mat3) {
	for _, row := range m {
		fmt.Fprintf(w, "%12.6f %12.6f %12.6f\n", clean(row[0]), clean(row[1]), clean(row[2]))
	}
}

// clean folds negative zero so it prints as 0.
func clean(v float64) float64 {
	if math.Abs(v) < 5e-7 {
		return 0
	}
	return v
}
