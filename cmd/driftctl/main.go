package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/beamctl/internal/config"
	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/jobs"
	"github.com/danmuck/beamctl/internal/logging"
	"github.com/danmuck/beamctl/internal/observability"
	"github.com/danmuck/beamctl/internal/secrets"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type options struct {
	configPath   string
	profilesPath string
	environment  string
	strict       bool
	reportFile   string
	statusAddr   string
	pushgateway  string
	local        bool
	initProfiles bool
	verbose      bool
}

func parseFlags(args []string) (options, *pflag.FlagSet, error) {
	var opts options
	fs := pflag.NewFlagSet("driftctl", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "driftctl config file (toml)")
	fs.StringVar(&opts.profilesPath, "profiles", "", "environment profiles file (toml)")
	fs.StringVarP(&opts.environment, "env", "e", "", "environment: prod | preprod | dev")
	fs.BoolVar(&opts.strict, "strict", false, "exit 2 when devices end in failure buckets")
	fs.StringVar(&opts.reportFile, "report-file", "", "write the run outcome as yaml to this path")
	fs.StringVar(&opts.statusAddr, "status-addr", "", "serve /health, /metrics and /status on this address")
	fs.StringVar(&opts.pushgateway, "pushgateway", "", "push run metrics to this Pushgateway url")
	fs.BoolVar(&opts.local, "local", false, "run the modem tool on this host instead of over ssh")
	fs.BoolVar(&opts.initProfiles, "init-profiles", false, "write a profiles template and exit")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "print device rows in the summary")
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
		fmt.Fprintf(os.Stderr, "driftctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := jobs.Run(ctx, os.Stdout, "driftctl", func(ctx context.Context) error {
		return run(ctx, os.Stdout, opts, fs)
	})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, out io.Writer, opts options, fs *pflag.FlagSet) error {
	cfg := defaultJobConfig()
	if opts.configPath != "" {
		loaded, err := loadJobConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyFlags(&cfg, opts, fs)

	if opts.initProfiles {
		path := jobs.ExpandHome(cfg.Profiles)
		if err := config.WriteTemplate(path, false); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote profiles template to %s\n", path)
		return nil
	}

	in, err := jobs.ReadInput(jobs.OSEnv)
	if err != nil {
		return err
	}
	logging.SetVerbose(in.Verbose || opts.verbose)
	if in.Environment, err = pickEnvironment(opts, fs, cfg, in, jobs.OSEnv); err != nil {
		return err
	}

	driftCfg := in.Apply(cfg.Drift)
	if err := driftCfg.Validate(); err != nil {
		return err
	}

	profiles, err := config.LoadProfiles(jobs.ExpandHome(cfg.Profiles))
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

	runID := uuid.NewString()
	log.Logger = observability.RunLogger("driftctl", runID, driftCfg.Mode())
	log.Info().Msgf("driftctl.run environment=%q mode=%q operator_devices=%d blocklist=%d", env.Name, driftCfg.Mode(), len(in.Devices), len(in.Blocklist))

	var scope jobs.Scope
	defer func() {
		if err := scope.Close(); err != nil {
			log.Warn().Msgf("driftctl.run close err=%v", err)
		}
	}()

	goals, err := jobs.OpenGoals(ctx, env, &scope)
	if err != nil {
		return err
	}
	directory, err := jobs.OpenDirectory(env, src, jobs.ExpandHome(cfg.TokenCache))
	if err != nil {
		return err
	}

	var inventory jobs.DriftSource
	if in.MaxFromInventory > 0 && in.Environment == "prod" {
		inventory, err = jobs.OpenInventory(ctx, env, src, &scope)
		if err != nil {
			log.Warn().Msgf("driftctl.run inventory unavailable err=%v", err)
			inventory = nil
		}
	}
	devices, err := jobs.AssembleDevices(ctx, in, inventory)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintf(out, "\nno devices to process\n")
		return nil
	}

	channel, err := jobs.OpenChannel(ctx, env, src, jobs.ChannelOptions{
		Local:           cfg.LocalShell,
		LocalDir:        cfg.JumpboxDir,
		ToolPath:        cfg.ToolPath,
		Python:          cfg.Python,
		KnownHostsPath:  cfg.KnownHosts,
		InsecureHostKey: cfg.InsecureHost,
	}, &scope)
	if err != nil {
		return err
	}

	recorder := observability.NewStepRecorder(runID, driftCfg.Mode())
	if cfg.StatusAddr != "" {
		status := observability.NewStatusServer("driftctl", cfg.StatusAddr, cfg.CORSOrigins, recorder)
		status.RequireToken(cfg.StatusToken)
		status.Start()
		scope.AddFunc("status server", func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return status.Shutdown(shutdownCtx)
		})
	}

	pipeline, err := drift.NewPipeline(driftCfg, drift.Deps{
		Directory: directory,
		Prober:    directory,
		Channel:   channel,
		Goals:     goals,
		Observer:  drift.Observers{drift.HeadingObserver{Out: out}, recorder},
		RunID:     runID,
	})
	if err != nil {
		return err
	}

	outcome, runErr := pipeline.Run(ctx, devices)
	if err := (drift.Reporter{Out: out, Verbose: in.Verbose || opts.verbose, Config: driftCfg}).Report(outcome); err != nil {
		log.Warn().Msgf("driftctl.run report err=%v", err)
	}
	if cfg.ReportFile != "" {
		if err := writeReport(jobs.ExpandHome(cfg.ReportFile), outcome); err != nil {
			log.Warn().Msgf("driftctl.run report_file=%q err=%v", cfg.ReportFile, err)
		}
	}
	publish(ctx, cfg, env.Name, outcome, runErr)

	if runErr != nil {
		return runErr
	}
	if cfg.StrictExit && outcome.HasFailures() {
		return jobs.ErrDevicesFailed
	}
	return nil
}

// applyFlags lets explicitly set flags win over the config file.
func applyFlags(cfg *jobConfig, opts options, fs *pflag.FlagSet) {
	if fs.Changed("profiles") {
		cfg.Profiles = opts.profilesPath
	}
	if fs.Changed("strict") {
		cfg.StrictExit = opts.strict
	}
	if fs.Changed("report-file") {
		cfg.ReportFile = opts.reportFile
	}
	if fs.Changed("status-addr") {
		cfg.StatusAddr = opts.statusAddr
	}
	if fs.Changed("pushgateway") {
		cfg.Pushgateway = opts.pushgateway
	}
	if fs.Changed("local") {
		cfg.LocalShell = opts.local
	}
}

// pickEnvironment resolves the environment: the --env flag, then the job
// variable, then the config file, then prod.
func pickEnvironment(opts options, fs *pflag.FlagSet, cfg jobConfig, in jobs.Input, lookup jobs.Env) (string, error) {
	if fs.Changed("env") {
		return jobs.ParseEnvironment(opts.environment)
	}
	if v, ok := lookup(jobs.VarEnvironment); ok && strings.TrimSpace(v) != "" {
		return in.Environment, nil
	}
	if cfg.Environment != "" {
		return jobs.ParseEnvironment(cfg.Environment)
	}
	return in.Environment, nil
}

func writeReport(path string, outcome *drift.Outcome) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := outcome.WriteYAML(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func publish(ctx context.Context, cfg jobConfig, environment string, outcome *drift.Outcome, runErr error) {
	counts := make(map[string]int)
	for b, n := range outcome.Counts() {
		counts[string(b)] = n
	}
	observability.SetBucketCounts(counts)

	result := "ok"
	switch {
	case runErr != nil:
		result = "fatal"
	case outcome.HasFailures():
		result = "failures"
	}
	observability.RecordRun(outcome.Mode, result)

	if cfg.Pushgateway == "" {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	grouping := map[string]string{"environment": environment}
	if err := observability.PushMetrics(pushCtx, cfg.Pushgateway, "driftctl", grouping); err != nil {
		log.Warn().Msgf("driftctl.publish err=%v", err)
	}
}
