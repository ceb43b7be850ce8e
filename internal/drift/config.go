package drift

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("drift: invalid config")

const (
	DefaultBatchSize      = 35
	DefaultPollInterval   = 15 * time.Second
	DefaultStabilizeDelay = 20 * time.Second
	DefaultOnlineWait     = 600 * time.Second
	DefaultAgentSettle    = 180 * time.Second
	DefaultRebootSettle   = 30 * time.Second
	DefaultDonorAttempts  = 10
	DefaultConfigPath     = "/mnt/jffs2/config/lkg-fwd.conf"
)

// Config tunes one pipeline run.
type Config struct {
	// BatchSize caps how many devices go into one remote command.
	BatchSize int

	PollInterval     time.Duration
	StabilizeDelay   time.Duration
	WaitAfterClear   time.Duration
	WaitAfterRestart time.Duration
	WaitAfterPush    time.Duration
	AgentSettle      time.Duration
	RebootSettle     time.Duration

	// ConfigPath is the cached config file on the device.
	ConfigPath string
	// DonorAttempts is how many online devices are tried per goal beam.
	DonorAttempts int

	// PreservePinnings re-pins every drifted device in step 14.
	PreservePinnings bool
	// FastRun skips the cached config repair branch (steps 8-13 and 15).
	FastRun bool
	// ForceConfigUpdate repairs the cached config even when it already names the goal beam.
	ForceConfigUpdate bool

	ProbeParallelism int
	DonorParallelism int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        DefaultBatchSize,
		PollInterval:     DefaultPollInterval,
		StabilizeDelay:   DefaultStabilizeDelay,
		WaitAfterClear:   DefaultOnlineWait,
		WaitAfterRestart: DefaultOnlineWait,
		WaitAfterPush:    DefaultOnlineWait,
		AgentSettle:      DefaultAgentSettle,
		RebootSettle:     DefaultRebootSettle,
		ConfigPath:       DefaultConfigPath,
		DonorAttempts:    DefaultDonorAttempts,
		ProbeParallelism: 8,
		DonorParallelism: 4,
	}
}

func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"stabilize_delay":    c.StabilizeDelay,
		"wait_after_clear":   c.WaitAfterClear,
		"wait_after_restart": c.WaitAfterRestart,
		"wait_after_push":    c.WaitAfterPush,
		"agent_settle":       c.AgentSettle,
		"reboot_settle":      c.RebootSettle,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	if strings.TrimSpace(c.ConfigPath) == "" {
		return fmt.Errorf("%w: config_path is required", ErrInvalidConfig)
	}
	if c.DonorAttempts <= 0 {
		return fmt.Errorf("%w: donor_attempts must be positive", ErrInvalidConfig)
	}
	if c.ProbeParallelism <= 0 || c.DonorParallelism <= 0 {
		return fmt.Errorf("%w: parallelism must be positive", ErrInvalidConfig)
	}
	return nil
}

// Mode names the step 14 re-pin policy in effect.
func (c Config) Mode() string {
	switch {
	case c.PreservePinnings:
		return "preserve"
	case c.FastRun:
		return "fast"
	default:
		return "full"
	}
}
