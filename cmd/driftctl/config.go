package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/beamctl/internal/cmt"
	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/mtool"
)

const (
	defaultProfilesPath = "~/.config/beamctl/profiles.toml"
	defaultStatusAddr   = ""
)

// jobConfig is everything driftctl reads from its config file. Job
// variables in the environment are applied on top of Drift afterwards.
type jobConfig struct {
	Drift drift.Config

	Profiles     string
	Environment  string
	StrictExit   bool
	ReportFile   string
	StatusAddr   string
	StatusToken  string
	CORSOrigins  []string
	Pushgateway  string
	LocalShell   bool
	JumpboxDir   string
	ToolPath     string
	Python       string
	TokenCache   string
	KnownHosts   string
	InsecureHost bool
}

func defaultJobConfig() jobConfig {
	return jobConfig{
		Drift:      drift.DefaultConfig(),
		Profiles:   defaultProfilesPath,
		StatusAddr: defaultStatusAddr,
		ToolPath:   mtool.DefaultToolPath,
		Python:     mtool.DefaultPython,
		TokenCache: cmt.DefaultTokenCache,
	}
}

type fileConfig struct {
	BatchSize         int    `toml:"batch_size"`
	PollInterval      string `toml:"poll_interval"`
	StabilizeDelay    string `toml:"stabilize_delay"`
	WaitAfterClear    string `toml:"wait_after_clear"`
	WaitAfterRestart  string `toml:"wait_after_restart"`
	WaitAfterPush     string `toml:"wait_after_push"`
	AgentSettle       string `toml:"agent_settle"`
	RebootSettle      string `toml:"reboot_settle"`
	ConfigPath        string `toml:"config_path"`
	DonorAttempts     int    `toml:"donor_attempts"`
	PreservePinnings  bool   `toml:"preserve_pinnings"`
	FastRun           bool   `toml:"fast_run"`
	ForceConfigUpdate bool   `toml:"force_config_update"`
	ProbeParallelism  int    `toml:"probe_parallelism"`
	DonorParallelism  int    `toml:"donor_parallelism"`

	Profiles        string   `toml:"profiles"`
	Environment     string   `toml:"environment"`
	StrictExit      bool     `toml:"strict_exit"`
	ReportFile      string   `toml:"report_file"`
	StatusAddr      string   `toml:"status_addr"`
	StatusToken     string   `toml:"status_token"`
	CORSOrigins     []string `toml:"cors_origins"`
	Pushgateway     string   `toml:"pushgateway_url"`
	LocalJumpbox    bool     `toml:"local_jumpbox"`
	JumpboxDir      string   `toml:"jumpbox_dir"`
	ToolPath        string   `toml:"tool_path"`
	Python          string   `toml:"python"`
	TokenCache      string   `toml:"token_cache"`
	KnownHosts      string   `toml:"known_hosts"`
	InsecureHostKey bool     `toml:"insecure_host_key"`
}

func loadJobConfig(path string) (jobConfig, error) {
	cfg := defaultJobConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return jobConfig{}, fmt.Errorf("load driftctl config: %w", err)
	}

	if meta.IsDefined("batch_size") {
		cfg.Drift.BatchSize = raw.BatchSize
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &cfg.Drift.PollInterval},
		{"stabilize_delay", raw.StabilizeDelay, &cfg.Drift.StabilizeDelay},
		{"wait_after_clear", raw.WaitAfterClear, &cfg.Drift.WaitAfterClear},
		{"wait_after_restart", raw.WaitAfterRestart, &cfg.Drift.WaitAfterRestart},
		{"wait_after_push", raw.WaitAfterPush, &cfg.Drift.WaitAfterPush},
		{"agent_settle", raw.AgentSettle, &cfg.Drift.AgentSettle},
		{"reboot_settle", raw.RebootSettle, &cfg.Drift.RebootSettle},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return jobConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("config_path") {
		cfg.Drift.ConfigPath = strings.TrimSpace(raw.ConfigPath)
	}
	if meta.IsDefined("donor_attempts") {
		cfg.Drift.DonorAttempts = raw.DonorAttempts
	}
	if meta.IsDefined("preserve_pinnings") {
		cfg.Drift.PreservePinnings = raw.PreservePinnings
	}
	if meta.IsDefined("fast_run") {
		cfg.Drift.FastRun = raw.FastRun
	}
	if meta.IsDefined("force_config_update") {
		cfg.Drift.ForceConfigUpdate = raw.ForceConfigUpdate
	}
	if meta.IsDefined("probe_parallelism") {
		cfg.Drift.ProbeParallelism = raw.ProbeParallelism
	}
	if meta.IsDefined("donor_parallelism") {
		cfg.Drift.DonorParallelism = raw.DonorParallelism
	}

	if meta.IsDefined("profiles") {
		cfg.Profiles = strings.TrimSpace(raw.Profiles)
	}
	if meta.IsDefined("environment") {
		cfg.Environment = strings.ToLower(strings.TrimSpace(raw.Environment))
	}
	if meta.IsDefined("strict_exit") {
		cfg.StrictExit = raw.StrictExit
	}
	if meta.IsDefined("report_file") {
		cfg.ReportFile = strings.TrimSpace(raw.ReportFile)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("pushgateway_url") {
		cfg.Pushgateway = strings.TrimSpace(raw.Pushgateway)
	}
	if meta.IsDefined("local_jumpbox") {
		cfg.LocalShell = raw.LocalJumpbox
	}
	if meta.IsDefined("jumpbox_dir") {
		cfg.JumpboxDir = strings.TrimSpace(raw.JumpboxDir)
	}
	if meta.IsDefined("tool_path") {
		cfg.ToolPath = strings.TrimSpace(raw.ToolPath)
	}
	if meta.IsDefined("python") {
		cfg.Python = strings.TrimSpace(raw.Python)
	}
	if meta.IsDefined("token_cache") {
		cfg.TokenCache = strings.TrimSpace(raw.TokenCache)
	}
	if meta.IsDefined("known_hosts") {
		cfg.KnownHosts = strings.TrimSpace(raw.KnownHosts)
	}
	if meta.IsDefined("insecure_host_key") {
		cfg.InsecureHost = raw.InsecureHostKey
	}

	if err := cfg.Drift.Validate(); err != nil {
		return jobConfig{}, err
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
