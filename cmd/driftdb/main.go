package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/beamctl/internal/config"
	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/goalstore"
	"github.com/danmuck/beamctl/internal/jobs"
	"github.com/danmuck/beamctl/internal/logging"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const defaultProfilesPath = "~/.config/beamctl/profiles.toml"

const usage = `usage: driftdb [flags] <command> [args]

commands:
  fix-counts   devices fixed per run, by agent restart and by config update
  unhelpable   devices flagged as unable to reach their goal beam
  device <id>  cached goal and unhelpable flag for one device

flags:
`

// ledger is the read side of the goal store.
type ledger interface {
	FixCounts(ctx context.Context, since time.Time) ([]goalstore.FixCount, error)
	Unhelpable(ctx context.Context, since time.Time) ([]goalstore.UnhelpableFlag, error)
	History(ctx context.Context, id fleet.DeviceID) (goalstore.DeviceHistory, error)
}

type options struct {
	dbPath       string
	profilesPath string
	environment  string
	since        string
	asYAML       bool
}

func parseFlags(args []string) (options, []string, error) {
	var opts options
	fs := pflag.NewFlagSet("driftdb", pflag.ContinueOnError)
	fs.StringVar(&opts.dbPath, "db", "", "goal store path (overrides the profile's goal_store_path)")
	fs.StringVar(&opts.profilesPath, "profiles", defaultProfilesPath, "environment profiles file (toml)")
	fs.StringVarP(&opts.environment, "env", "e", "prod", "environment: prod | preprod | dev")
	fs.StringVar(&opts.since, "since", "", `only rows at or after this UTC time, e.g. "2021-03-01 23:34"`)
	fs.BoolVar(&opts.asYAML, "yaml", false, "print rows as yaml")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func main() {
	logging.ConfigureRuntime()

	opts, args, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "driftdb: %v\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), os.Stdout, opts, args); err != nil {
		fmt.Fprintf(os.Stderr, "driftdb: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opts options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("command is required (fix-counts, unhelpable, device)")
	}
	path, err := storePath(opts)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("goal store %s: %w", path, err)
	}
	store, err := goalstore.Open(ctx, path, goalstore.Options{})
	if err != nil {
		return err
	}
	defer store.Close()
	return dispatch(ctx, out, store, opts, args, time.Now())
}

func storePath(opts options) (string, error) {
	if strings.TrimSpace(opts.dbPath) != "" {
		return jobs.ExpandHome(opts.dbPath), nil
	}
	profiles, err := config.LoadProfiles(jobs.ExpandHome(opts.profilesPath))
	if err != nil {
		return "", err
	}
	envName, err := jobs.ParseEnvironment(opts.environment)
	if err != nil {
		return "", err
	}
	env, err := profiles.Resolve(envName)
	if err != nil {
		return "", err
	}
	return jobs.ExpandHome(env.GoalStorePath), nil
}

func dispatch(ctx context.Context, out io.Writer, store ledger, opts options, args []string, now time.Time) error {
	since, err := goalstore.ParseSince(opts.since)
	if err != nil {
		return err
	}

	switch args[0] {
	case "fix-counts":
		rows, err := store.FixCounts(ctx, since)
		if err != nil {
			return err
		}
		if opts.asYAML {
			return writeYAML(out, rows)
		}
		return printFixCounts(out, rows, now)
	case "unhelpable":
		rows, err := store.Unhelpable(ctx, since)
		if err != nil {
			return err
		}
		if opts.asYAML {
			return writeYAML(out, rows)
		}
		return printUnhelpable(out, rows, now)
	case "device":
		if len(args) != 2 {
			return fmt.Errorf("device takes exactly one id")
		}
		id, err := fleet.ParseDeviceID(args[1])
		if err != nil {
			return err
		}
		h, err := store.History(ctx, id)
		if err != nil {
			return err
		}
		if opts.asYAML {
			return writeYAML(out, h)
		}
		return printHistory(out, h, now)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func when(t, now time.Time) string {
	return fmt.Sprintf("%s (%s)", t.UTC().Format(goalstore.TimeLayout), humanize.RelTime(t, now, "ago", "from now"))
}

func printFixCounts(out io.Writer, rows []goalstore.FixCount, now time.Time) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no fix counts recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tAGENT RESTART\tCONFIG UPDATE")
	restart, update := 0, 0
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", when(r.RecordedAt, now), r.ByAgentRestart, r.ByConfigUpdate)
		restart += r.ByAgentRestart
		update += r.ByConfigUpdate
	}
	fmt.Fprintf(tw, "TOTAL (%s runs)\t%s\t%s\n", humanize.Comma(int64(len(rows))), humanize.Comma(int64(restart)), humanize.Comma(int64(update)))
	return tw.Flush()
}

func printUnhelpable(out io.Writer, rows []goalstore.UnhelpableFlag, now time.Time) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no unhelpable devices recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSATELLITE\tCROSS POL\tADDED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", r.ID, r.Satellite, r.CrossPolarization, when(r.Added, now))
	}
	return tw.Flush()
}

func printHistory(out io.Writer, h goalstore.DeviceHistory, now time.Time) error {
	fmt.Fprintf(out, "device %s\n", h.ID)
	if h.Goal != nil {
		fmt.Fprintf(out, "  goal        %s, updated %s\n", h.Goal.Goal, when(h.Goal.UpdatedAt, now))
	} else {
		fmt.Fprintf(out, "  goal        none cached\n")
	}
	if h.Unhelpable != nil {
		kind := "same polarization"
		if h.Unhelpable.CrossPolarization {
			kind = "cross polarization"
		}
		fmt.Fprintf(out, "  unhelpable  satellite %d, %s, flagged %s\n", h.Unhelpable.Satellite, kind, when(h.Unhelpable.Added, now))
	} else {
		fmt.Fprintf(out, "  unhelpable  no\n")
	}
	return nil
}
