// Package main is trajcheck, which validates trajectory assets against drive constraints
// before they are deployed to a robot.
package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edaniels/golog"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"swerve/trajectory"
)

const (
	flagMaxVelocity     = "max-velocity"
	flagMaxAcceleration = "max-acceleration"
	flagDebug           = "debug"
)

// report summarizes one asset.
type report struct {
	path        string
	name        string
	states      int
	duration    float64
	maxVelocity float64
	maxAccel    float64
	markers     []string
	err         error
}

// expand turns every directory argument into the asset files inside it.
func expand(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || trajectory.AssetName(e.Name()) == e.Name() {
				continue
			}
			paths = append(paths, filepath.Join(arg, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func check(path string, c trajectory.Constraints) report {
	r := report{path: path, name: trajectory.AssetName(path)}
	traj, err := trajectory.LoadFile(path, c)
	if err != nil {
		r.err = err
		return r
	}
	states := traj.States()
	r.states = len(states)
	r.duration = traj.TotalTime().Seconds()
	for _, st := range states {
		r.maxVelocity = math.Max(r.maxVelocity, math.Abs(st.Velocity))
		r.maxAccel = math.Max(r.maxAccel, math.Abs(st.Acceleration))
	}
	for _, m := range traj.Markers() {
		r.markers = append(r.markers, fmt.Sprintf("%.2fs:%s", m.Time.Seconds(), strings.Join(m.Names, ",")))
	}
	return r
}

// render writes one row per report and returns the combined load errors.
func render(w io.Writer, reports []report) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "States", "Duration (s)", "Max vel (m/s)", "Max accel (m/s²)", "Markers", "Status"})
	var errs error
	var failed int
	for _, r := range reports {
		if r.err != nil {
			failed++
			errs = multierr.Append(errs, errors.Wrap(r.err, r.path))
			t.AppendRow(table.Row{r.name, "", "", "", "", "", r.err.Error()})
			continue
		}
		t.AppendRow(table.Row{
			r.name,
			r.states,
			fmt.Sprintf("%.2f", r.duration),
			fmt.Sprintf("%.2f", r.maxVelocity),
			fmt.Sprintf("%.2f", r.maxAccel),
			strings.Join(r.markers, " "),
			"ok",
		})
	}
	t.Render()
	// wrapped so cli does not treat the combined error as a list of exit codes
	return errors.Wrapf(errs, "%d of %d trajectories invalid", failed, len(reports))
}

func run(c *cli.Context, logger golog.Logger) error {
	if c.NArg() == 0 {
		return errors.New("expected at least one trajectory file or directory")
	}
	constraints := trajectory.Constraints{
		MaxVelocity:     c.Float64(flagMaxVelocity),
		MaxAcceleration: c.Float64(flagMaxAcceleration),
	}
	paths, err := expand(c.Args().Slice())
	if err != nil {
		return err
	}
	reports := make([]report, 0, len(paths))
	for _, p := range paths {
		logger.Debugw("checking trajectory", "path", p)
		reports = append(reports, check(p, constraints))
	}
	return render(c.App.Writer, reports)
}

func newApp() *cli.App {
	var logger golog.Logger
	return &cli.App{
		Name:      "trajcheck",
		Usage:     "validate swerve trajectory assets",
		ArgsUsage: "FILE|DIR...",
		Flags: []cli.Flag{
			&cli.Float64Flag{
				Name:  flagMaxVelocity,
				Usage: "reject states faster than this many m/s (0 disables)",
			},
			&cli.Float64Flag{
				Name:  flagMaxAcceleration,
				Usage: "reject states accelerating harder than this many m/s² (0 disables)",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = golog.NewDebugLogger("trajcheck")
			} else {
				logger = golog.NewDevelopmentLogger("trajcheck")
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			return run(c, logger)
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
