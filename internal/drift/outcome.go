package drift

import (
	"fmt"
	"io"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"gopkg.in/yaml.v3"
)

// Step numbers the pipeline stages.
type Step int

const (
	StepClassify Step = iota + 1
	StepClear
	StepPinMatched
	StepWaitAfterClear
	StepRestartAgent
	StepWaitAfterRestart
	StepCheckAfterRestart
	StepInspectConfig
	StepFetchDonors
	StepBackupConfig
	StepPushConfig
	StepReboot
	StepWaitAfterReboot
	StepRepin
	StepCheckAfterReboot
	StepVerifyPinning
)

var stepTitles = map[Step]string{
	StepClassify:          "checking whether input devices are on the wrong beam",
	StepClear:             "clearing beam pinnings",
	StepPinMatched:        "pinning devices already on their goal beam",
	StepWaitAfterClear:    "waiting for cleared devices to come online",
	StepRestartAgent:      "restarting the management agent",
	StepWaitAfterRestart:  "waiting for restarted devices to come back online",
	StepCheckAfterRestart: "checking beams after the agent restart",
	StepInspectConfig:     "checking cached config files for the goal beam",
	StepFetchDonors:       "retrieving good cached config files from goal beams",
	StepBackupConfig:      "backing up existing cached config files",
	StepPushConfig:        "pushing good cached config files",
	StepReboot:            "rebooting devices with new cached config files",
	StepWaitAfterReboot:   "waiting for rebooted devices to come back online",
	StepRepin:             "re-pinning devices to their goal beams",
	StepCheckAfterReboot:  "checking beams after the reboot",
	StepVerifyPinning:     "verifying pinnings committed in the inventory",
}

func (s Step) Title() string {
	if t, ok := stepTitles[s]; ok {
		return t
	}
	return "unknown step"
}

func (s Step) String() string {
	return fmt.Sprintf("step %d", int(s))
}

// Bucket names one terminal classification reported at the end of a run.
type Bucket string

const (
	BucketNoGoal                  Bucket = "no_goal"
	BucketCrossSatellite          Bucket = "cross_satellite"
	BucketCheckFailed             Bucket = "check_failed"
	BucketClearFailed             Bucket = "clear_failed"
	BucketAlreadyPinned           Bucket = "already_pinned"
	BucketPinFailed               Bucket = "pin_failed"
	BucketOfflineAfterClear       Bucket = "offline_after_clear"
	BucketRestartFailed           Bucket = "restart_failed"
	BucketOfflineAfterRestart     Bucket = "offline_after_restart"
	BucketCheckFailedAfterRestart Bucket = "check_failed_after_restart"
	BucketOnGoalAfterRestart      Bucket = "on_goal_after_cwmp_restart"
	BucketWrongBeamAfterRestart   Bucket = "wrong_beam_after_restart"
	BucketGoalInConfigSamePol     Bucket = "goal_in_config_same_pol"
	BucketGoalInConfigOppPol      Bucket = "goal_in_config_opp_pol"
	BucketNoDonorConfig           Bucket = "no_donor_config"
	BucketBackupFailed            Bucket = "backup_failed"
	BucketPushFailed              Bucket = "push_failed"
	BucketRepinFailed             Bucket = "repin_failed"
	BucketOfflineAfterReboot      Bucket = "offline_after_reboot"
	BucketWrongBeamOppPol         Bucket = "wrong_beam_opp_pol"
	BucketWrongBeamSamePol        Bucket = "wrong_beam_same_pol"
	BucketCheckFailedAfterReboot  Bucket = "check_failed_after_reboot"
	BucketOnGoal                  Bucket = "on_goal"
	BucketPinSuccess              Bucket = "pin_success"
	BucketPinNotCommitted         Bucket = "pin_not_committed"
	BucketPinCheckFailed          Bucket = "pin_check_failed"
	BucketNotPinnedToGoal         Bucket = "not_pinned_to_goal"
	BucketFinalPinCheckFailed     Bucket = "final_pin_check_failed"
)

// failureBuckets are the buckets that make a strict run exit non-zero.
var failureBuckets = map[Bucket]bool{
	BucketCheckFailed:             true,
	BucketClearFailed:             true,
	BucketPinFailed:               true,
	BucketOfflineAfterClear:       true,
	BucketRestartFailed:           true,
	BucketOfflineAfterRestart:     true,
	BucketCheckFailedAfterRestart: true,
	BucketGoalInConfigSamePol:     true,
	BucketGoalInConfigOppPol:      true,
	BucketNoDonorConfig:           true,
	BucketBackupFailed:            true,
	BucketPushFailed:              true,
	BucketRepinFailed:             true,
	BucketOfflineAfterReboot:      true,
	BucketWrongBeamOppPol:         true,
	BucketWrongBeamSamePol:        true,
	BucketCheckFailedAfterReboot:  true,
	BucketPinNotCommitted:         true,
	BucketPinCheckFailed:          true,
	BucketNotPinnedToGoal:         true,
	BucketFinalPinCheckFailed:     true,
}

// IsFailure reports whether b counts against a strict exit status.
func (b Bucket) IsFailure() bool {
	return failureBuckets[b]
}

// Outcome is the bucketed result of one run. It is filled step by step,
// so a run aborted by a fatal error still carries everything reached so far.
type Outcome struct {
	RunID    string
	Mode     string
	Started  time.Time
	Finished time.Time
	Buckets  map[Bucket][]*fleet.Device
	Err      error
}

func newOutcome(runID, mode string, started time.Time) *Outcome {
	return &Outcome{
		RunID:   runID,
		Mode:    mode,
		Started: started,
		Buckets: make(map[Bucket][]*fleet.Device),
	}
}

func (o *Outcome) add(b Bucket, devices []*fleet.Device) {
	if len(devices) == 0 {
		return
	}
	o.Buckets[b] = append(o.Buckets[b], devices...)
}

// Devices returns the devices in b, nil when empty.
func (o *Outcome) Devices(b Bucket) []*fleet.Device {
	if o == nil {
		return nil
	}
	return o.Buckets[b]
}

func (o *Outcome) Count(b Bucket) int {
	return len(o.Devices(b))
}

// Counts returns the size of every non-empty bucket.
func (o *Outcome) Counts() map[Bucket]int {
	out := make(map[Bucket]int, len(o.Buckets))
	for b, ds := range o.Buckets {
		if len(ds) > 0 {
			out[b] = len(ds)
		}
	}
	return out
}

// HasFailures reports whether any device ended in a failure bucket.
func (o *Outcome) HasFailures() bool {
	if o == nil {
		return false
	}
	for b, ds := range o.Buckets {
		if len(ds) > 0 && b.IsFailure() {
			return true
		}
	}
	return false
}

type yamlOutcome struct {
	RunID    string                     `yaml:"run_id"`
	Mode     string                     `yaml:"mode"`
	Started  time.Time                  `yaml:"started"`
	Finished time.Time                  `yaml:"finished"`
	Error    string                     `yaml:"error,omitempty"`
	Buckets  map[Bucket][]*fleet.Device `yaml:"buckets"`
}

// WriteYAML exports the outcome for downstream tooling.
func (o *Outcome) WriteYAML(w io.Writer) error {
	doc := yamlOutcome{
		RunID:    o.RunID,
		Mode:     o.Mode,
		Started:  o.Started.UTC(),
		Finished: o.Finished.UTC(),
		Buckets:  make(map[Bucket][]*fleet.Device),
	}
	if o.Err != nil {
		doc.Error = o.Err.Error()
	}
	for b, ds := range o.Buckets {
		if len(ds) > 0 {
			doc.Buckets[b] = ds
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return enc.Close()
}
