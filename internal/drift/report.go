package drift

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
)

const rule = "============================================================"

// bucketOrder is the order buckets appear in the summary.
var bucketOrder = []Bucket{
	BucketNoGoal,
	BucketCrossSatellite,
	BucketCheckFailed,
	BucketClearFailed,
	BucketAlreadyPinned,
	BucketPinFailed,
	BucketOfflineAfterClear,
	BucketRestartFailed,
	BucketOfflineAfterRestart,
	BucketCheckFailedAfterRestart,
	BucketOnGoalAfterRestart,
	BucketWrongBeamAfterRestart,
	BucketGoalInConfigSamePol,
	BucketGoalInConfigOppPol,
	BucketNoDonorConfig,
	BucketBackupFailed,
	BucketPushFailed,
	BucketRepinFailed,
	BucketOfflineAfterReboot,
	BucketWrongBeamOppPol,
	BucketWrongBeamSamePol,
	BucketCheckFailedAfterReboot,
	BucketOnGoal,
	BucketPinSuccess,
	BucketPinNotCommitted,
	BucketPinCheckFailed,
	BucketNotPinnedToGoal,
	BucketFinalPinCheckFailed,
}

// Buckets returns every bucket in summary order.
func Buckets() []Bucket {
	return append([]Bucket(nil), bucketOrder...)
}

// Message is the operator-facing description of a bucket.
func (b Bucket) Message(cfg Config) string {
	switch b {
	case BucketNoGoal:
		return "device(s) had no usable goal beam and were skipped"
	case BucketCrossSatellite:
		return "device(s) have a goal on another satellite and were skipped"
	case BucketCheckFailed:
		return "device(s) could not be checked in the inventory"
	case BucketClearFailed:
		return "device(s) could not have their beam pinning cleared"
	case BucketAlreadyPinned:
		return "device(s) were already on and pinned to their goal beam"
	case BucketPinFailed:
		return "device(s) on their goal beam could not be pinned"
	case BucketOfflineAfterClear:
		return fmt.Sprintf("device(s) were not online within %s of clearing their pinning", seconds(cfg.WaitAfterClear))
	case BucketRestartFailed:
		return "device(s) could not have their management agent restarted"
	case BucketOfflineAfterRestart:
		return fmt.Sprintf("device(s) were not online within %s of the agent restart", seconds(cfg.WaitAfterRestart))
	case BucketCheckFailedAfterRestart:
		return "device(s) could not have their beam checked after the agent restart"
	case BucketOnGoalAfterRestart:
		return "device(s) moved to their goal beam after the agent restart"
	case BucketWrongBeamAfterRestart:
		return "device(s) were still on the wrong beam after the agent restart"
	case BucketGoalInConfigSamePol:
		return "device(s) already have the goal beam in their cached config but stayed off it (same polarization)"
	case BucketGoalInConfigOppPol:
		return "device(s) already have the goal beam in their cached config but stayed off it (opposite polarization)"
	case BucketNoDonorConfig:
		return "device(s) could not be given a cached config because no donor for their goal beam was found"
	case BucketBackupFailed:
		return "device(s) could not have their cached config backed up"
	case BucketPushFailed:
		return "device(s) could not be sent a new cached config"
	case BucketRepinFailed:
		return "device(s) could not be re-pinned to their goal beam"
	case BucketOfflineAfterReboot:
		return fmt.Sprintf("device(s) were not online within %s of the reboot", seconds(cfg.WaitAfterPush))
	case BucketWrongBeamOppPol:
		return "device(s) were still on the wrong beam after the reboot (opposite polarization)"
	case BucketWrongBeamSamePol:
		return "device(s) were still on the wrong beam after the reboot (same polarization)"
	case BucketCheckFailedAfterReboot:
		return "device(s) could not have their beam checked after the reboot"
	case BucketOnGoal:
		return "device(s) moved to their goal beam after the cached config update"
	case BucketPinSuccess:
		return "device(s) on their goal beam were pinned and the pinning committed"
	case BucketPinNotCommitted:
		return "device(s) were pinned but the inventory does not show the goal pinning"
	case BucketPinCheckFailed:
		return "device(s) were pinned but the pinning could not be read back"
	case BucketNotPinnedToGoal:
		return "device(s) came back from the reboot but are not pinned to their goal beam"
	case BucketFinalPinCheckFailed:
		return "device(s) came back from the reboot but their pinning could not be read back"
	default:
		return string(b)
	}
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d/time.Second))
}

// Reporter renders an outcome for operators.
type Reporter struct {
	Out     io.Writer
	Verbose bool
	Config  Config
}

// Report prints one line per non-empty bucket. With Verbose set, each line is
// followed by the device rows, input lines and bare ids for that bucket.
func (r Reporter) Report(o *Outcome) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nSUMMARY OF RESULTS\n%s\n", rule, rule)
	if o != nil {
		fmt.Fprintf(&b, "run %s mode=%s elapsed=%s\n", o.RunID, o.Mode, o.Finished.Sub(o.Started).Round(time.Second))
	}
	empty := true
	for _, bucket := range bucketOrder {
		devices := o.Devices(bucket)
		if len(devices) == 0 {
			continue
		}
		empty = false
		fmt.Fprintf(&b, "\n%d %s\n", len(devices), bucket.Message(r.Config))
		if r.Verbose {
			writeDevices(&b, devices)
		}
	}
	if empty {
		b.WriteString("\nno devices were processed\n")
	}
	if o != nil && o.Err != nil {
		fmt.Fprintf(&b, "\nrun stopped early: %v\n", o.Err)
	}
	_, err := io.WriteString(r.Out, b.String())
	return err
}

func writeDevices(b *strings.Builder, devices []*fleet.Device) {
	for _, d := range devices {
		fmt.Fprintf(b, "\t%s\n", d.Row())
	}
	b.WriteString("\n\t[mac, goal sat, goal beam, goal pol]\n")
	for _, d := range devices {
		fmt.Fprintf(b, "\t%s\n", d.InputLine())
	}
	b.WriteString("\n\t[macs only]\n")
	for _, d := range devices {
		fmt.Fprintf(b, "\t%s\n", d.ID)
	}
}

// HeadingObserver prints a heading as each step starts.
type HeadingObserver struct {
	Out io.Writer
}

func (h HeadingObserver) StepStarted(step Step) {
	fmt.Fprintf(h.Out, "\n%s\nSTEP #%d  %s\n%s\n", rule, int(step), strings.ToUpper(step.Title()), rule)
}

func (h HeadingObserver) StepFinished(Step, time.Duration, map[Bucket]int) {}

func (h HeadingObserver) StepSkipped(step Step) {
	fmt.Fprintf(h.Out, "\nSTEP #%d  skipped (%s)\n", int(step), step.Title())
}
