package jobs

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/juju/collections/set"
)

var (
	ErrInvalidInput    = errors.New("jobs: invalid input")
	ErrDuplicateDevice = errors.New("jobs: duplicate device")
	ErrMissingVariable = errors.New("jobs: missing variable")
)

// MaxWaitMinutes bounds the wait_minutes_* variables to one day.
const MaxWaitMinutes = 24 * 60

// Job variable names set by the scheduler.
const (
	VarEnvironment       = "environment"
	VarDevices           = "macs"
	VarBlocklist         = "blocklist"
	VarPreservePinnings  = "preserve_pinnings"
	VarSkipConfigSteps   = "skip_lkg_steps"
	VarForceConfigUpdate = "force_lkg_updates"
	VarBatchSize         = "mtool_batch_size"
	VarWaitAfterClear    = "wait_minutes_after_clear"
	VarWaitAfterRestart  = "wait_minutes_after_cwmp_restart"
	VarWaitAfterPush     = "wait_minutes_after_lkg_push"
	VarMaxFromInventory  = "max_modems_from_acs_db"
	VarVerbose           = "verbose"
)

// Env looks up one job variable.
type Env func(key string) (string, bool)

// OSEnv reads job variables from the process environment.
func OSEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Input is everything a job run was asked to do. Nil waits and a zero batch
// size mean the variable was not set.
type Input struct {
	Environment string
	Devices     []fleet.DeviceInput
	Blocklist   set.Strings

	PreservePinnings  bool
	SkipConfigSteps   bool
	ForceConfigUpdate bool
	Verbose           bool

	BatchSize        int
	WaitAfterClear   *time.Duration
	WaitAfterRestart *time.Duration
	WaitAfterPush    *time.Duration
	MaxFromInventory int
}

// ReadInput parses every job variable. Any malformed value fails the run
// before remote work starts.
func ReadInput(env Env) (Input, error) {
	if env == nil {
		env = OSEnv
	}
	get := func(key string) string {
		v, _ := env(key)
		return strings.TrimSpace(v)
	}

	var in Input
	var err error
	if in.Environment, err = ParseEnvironment(get(VarEnvironment)); err != nil {
		return Input{}, err
	}
	if in.Devices, err = ParseDevices(get(VarDevices)); err != nil {
		return Input{}, err
	}
	if in.Blocklist, err = ParseBlocklist(get(VarBlocklist)); err != nil {
		return Input{}, err
	}
	for key, dst := range map[string]*bool{
		VarPreservePinnings:  &in.PreservePinnings,
		VarSkipConfigSteps:   &in.SkipConfigSteps,
		VarForceConfigUpdate: &in.ForceConfigUpdate,
		VarVerbose:           &in.Verbose,
	} {
		if *dst, err = ParseBool(key, get(key)); err != nil {
			return Input{}, err
		}
	}
	for key, dst := range map[string]**time.Duration{
		VarWaitAfterClear:   &in.WaitAfterClear,
		VarWaitAfterRestart: &in.WaitAfterRestart,
		VarWaitAfterPush:    &in.WaitAfterPush,
	} {
		if *dst, err = ParseWaitMinutes(key, get(key)); err != nil {
			return Input{}, err
		}
	}
	if in.BatchSize, err = parseCount(VarBatchSize, get(VarBatchSize), false); err != nil {
		return Input{}, err
	}
	if in.MaxFromInventory, err = parseCount(VarMaxFromInventory, get(VarMaxFromInventory), true); err != nil {
		return Input{}, err
	}
	return in, nil
}

// ParseEnvironment accepts prod, preprod and dev. Empty means prod.
func ParseEnvironment(raw string) (string, error) {
	env := strings.ToLower(strings.TrimSpace(raw))
	switch env {
	case "":
		return "prod", nil
	case "prod", "preprod", "dev":
		return env, nil
	}
	return "", fmt.Errorf("%w: environment %q not one of prod, preprod, dev", ErrInvalidInput, raw)
}

// ParseDevices reads one device per line: "id" or "id, sat, beam, pol".
// Blank lines are skipped. Ids are case and colon insensitive.
func ParseDevices(raw string) ([]fleet.DeviceInput, error) {
	var out []fleet.DeviceInput
	seen := set.NewStrings()
	for n, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		in, err := parseDeviceLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d %q: %v", ErrInvalidInput, n+1, line, err)
		}
		if seen.Contains(in.ID.String()) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, in.ID)
		}
		seen.Add(in.ID.String())
		out = append(out, in)
	}
	return out, nil
}

func parseDeviceLine(line string) (fleet.DeviceInput, error) {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	id, err := fleet.ParseDeviceID(fields[0])
	if err != nil {
		return fleet.DeviceInput{}, err
	}
	if len(fields) == 1 {
		return fleet.DeviceInput{ID: id}, nil
	}
	if len(fields) != 4 {
		return fleet.DeviceInput{}, fmt.Errorf("expected a single id or 'id, goal_sat, goal_beam, goal_pol'")
	}
	sat, err := strconv.Atoi(fields[1])
	if err != nil || sat <= 0 {
		return fleet.DeviceInput{}, fmt.Errorf("goal satellite %q is not a positive integer", fields[1])
	}
	beam, err := strconv.Atoi(fields[2])
	if err != nil || beam <= 0 {
		return fleet.DeviceInput{}, fmt.Errorf("goal beam %q is not a positive integer", fields[2])
	}
	pol, err := fleet.ParsePolarization(fields[3])
	if err != nil {
		return fleet.DeviceInput{}, err
	}
	if !pol.Determinate() {
		return fleet.DeviceInput{}, fmt.Errorf("goal polarization %s is not a beam polarization", pol)
	}
	return fleet.DeviceInput{ID: id, Goal: &fleet.Beam{Satellite: sat, Beam: beam, Polarization: pol}}, nil
}

// ParseBlocklist reads one device id per line.
func ParseBlocklist(raw string) (set.Strings, error) {
	out := set.NewStrings()
	for n, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := fleet.ParseDeviceID(line)
		if err != nil {
			return nil, fmt.Errorf("%w: blocklist line %d: %v", ErrInvalidInput, n+1, err)
		}
		out.Add(id.String())
	}
	return out, nil
}

// ParseBool treats an unset variable as false.
func ParseBool(key, raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "false", "0", "no":
		return false, nil
	case "true", "1", "yes":
		return true, nil
	}
	return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidInput, key, raw)
}

// ParseWaitMinutes converts whole minutes to a duration. Unset is nil.
func ParseWaitMinutes(key, raw string) (*time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	n, err := parseCount(key, raw, true)
	if err != nil {
		return nil, err
	}
	if n > MaxWaitMinutes {
		return nil, fmt.Errorf("%w: %s=%q exceeds %d minutes", ErrInvalidInput, key, raw, MaxWaitMinutes)
	}
	d := time.Duration(n) * time.Minute
	return &d, nil
}

func parseCount(key, raw string, allowZero bool) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || (n == 0 && !allowZero) {
		return 0, fmt.Errorf("%w: %s=%q is not a valid count", ErrInvalidInput, key, raw)
	}
	return n, nil
}

// Apply layers the job variables over cfg.
func (in Input) Apply(cfg drift.Config) drift.Config {
	if in.BatchSize > 0 {
		cfg.BatchSize = in.BatchSize
	}
	if in.WaitAfterClear != nil {
		cfg.WaitAfterClear = *in.WaitAfterClear
	}
	if in.WaitAfterRestart != nil {
		cfg.WaitAfterRestart = *in.WaitAfterRestart
	}
	if in.WaitAfterPush != nil {
		cfg.WaitAfterPush = *in.WaitAfterPush
	}
	cfg.PreservePinnings = cfg.PreservePinnings || in.PreservePinnings
	cfg.FastRun = cfg.FastRun || in.SkipConfigSteps
	cfg.ForceConfigUpdate = cfg.ForceConfigUpdate || in.ForceConfigUpdate
	return cfg
}
