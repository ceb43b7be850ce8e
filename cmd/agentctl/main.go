package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/beamctl/internal/config"
	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/jobs"
	"github.com/danmuck/beamctl/internal/logging"
	"github.com/danmuck/beamctl/internal/secrets"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultProfilesPath = "~/.config/beamctl/profiles.toml"

type options struct {
	profilesPath    string
	environment     string
	local           bool
	jumpboxDir      string
	knownHosts      string
	insecureHostKey bool
	verbose         bool
}

func parseFlags(args []string) (options, *pflag.FlagSet, error) {
	var opts options
	fs := pflag.NewFlagSet("agentctl", pflag.ContinueOnError)
	fs.StringVar(&opts.profilesPath, "profiles", defaultProfilesPath, "environment profiles file (toml)")
	fs.StringVarP(&opts.environment, "env", "e", "", "environment: prod | preprod | dev (defaults to the environment job variable)")
	fs.BoolVar(&opts.local, "local", false, "run the modem tool on this host instead of over ssh")
	fs.StringVar(&opts.jumpboxDir, "jumpbox-dir", "", "scratch directory for --local runs")
	fs.StringVar(&opts.knownHosts, "known-hosts", "~/.ssh/known_hosts", "known_hosts file for the jumpbox")
	fs.BoolVar(&opts.insecureHostKey, "insecure-host-key", false, "skip jumpbox host key checking")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "list devices in the summary")
	err := fs.Parse(args)
	return opts, fs, err
}

func main() {
	logging.ConfigureRuntime()

	opts, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := jobs.Run(ctx, os.Stdout, "agentctl", func(ctx context.Context) error {
		return run(ctx, os.Stdout, opts, fs)
	})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, out io.Writer, opts options, fs *pflag.FlagSet) error {
	in, err := jobs.ReadInput(jobs.OSEnv)
	if err != nil {
		return err
	}
	verbose := in.Verbose || opts.verbose
	logging.SetVerbose(verbose)
	if fs.Changed("env") {
		if in.Environment, err = jobs.ParseEnvironment(opts.environment); err != nil {
			return err
		}
	}

	inputs, err := jobs.AssembleDevices(ctx, jobs.Input{Devices: in.Devices, Blocklist: in.Blocklist}, nil)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		fmt.Fprintf(out, "\nno devices to process\n")
		return nil
	}

	profiles, err := config.LoadProfiles(jobs.ExpandHome(opts.profilesPath))
	if err != nil {
		return err
	}
	env, err := profiles.Resolve(in.Environment)
	if err != nil {
		return err
	}
	src, err := secrets.FromEnvironment(env.VaultMount)
	if err != nil {
		return err
	}

	var scope jobs.Scope
	defer func() {
		if err := scope.Close(); err != nil {
			log.Warn().Msgf("agentctl.run close err=%v", err)
		}
	}()

	channel, err := jobs.OpenChannel(ctx, env, src, jobs.ChannelOptions{
		Local:           opts.local,
		LocalDir:        opts.jumpboxDir,
		KnownHostsPath:  opts.knownHosts,
		InsecureHostKey: opts.insecureHostKey,
		Prefix:          "agent",
	}, &scope)
	if err != nil {
		return err
	}

	cfg := in.Apply(drift.DefaultConfig())
	return restart(ctx, out, channel, cfg, inputs, verbose)
}

// restart runs the agent restart on every input device and prints a summary.
func restart(ctx context.Context, out io.Writer, channel drift.Channel, cfg drift.Config, inputs []fleet.DeviceInput, verbose bool) error {
	pipeline, err := drift.NewPipeline(cfg, drift.Deps{Channel: channel})
	if err != nil {
		return err
	}
	devices := make([]*fleet.Device, 0, len(inputs))
	for _, in := range inputs {
		devices = append(devices, &fleet.Device{ID: in.ID})
	}
	log.Info().Msgf("agentctl.restart run_id=%q devices=%d batch_size=%d", pipeline.RunID(), len(devices), cfg.BatchSize)

	ok, failed, err := pipeline.RestartAgent(ctx, devices)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nSUMMARY OF RESULTS\n")
	fmt.Fprintf(out, "\n%d devices restarted their management agent\n", len(ok))
	if verbose {
		for _, d := range ok {
			fmt.Fprintf(out, "\t%s\n", d.ID)
		}
	}
	fmt.Fprintf(out, "\n%d devices failed the agent restart\n", len(failed))
	if verbose {
		for _, d := range failed {
			fmt.Fprintf(out, "\t%s\n", d.ID)
		}
	}
	return nil
}
