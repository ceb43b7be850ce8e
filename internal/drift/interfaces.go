package drift

import (
	"context"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
)

// Directory is the authoritative inventory view of each device.
type Directory interface {
	ObservedState(ctx context.Context, id fleet.DeviceID) (fleet.ObservedState, error)
	Pinning(ctx context.Context, id fleet.DeviceID) (fleet.Pinning, error)
	SetPinning(ctx context.Context, id fleet.DeviceID, beam int, pol fleet.Polarization) error
	// OnlineOnBeam lists up to limit online devices currently on satellite/beam.
	OnlineOnBeam(ctx context.Context, satellite, beam, limit int) ([]fleet.DeviceID, error)
}

// Prober reports whether a device answers right now.
type Prober interface {
	Ping(ctx context.Context, id fleet.DeviceID) (bool, error)
}

// CommandResult is one device's block in a batch command run.
type CommandResult struct {
	// Ran is set when the tool reported the command completed on the device.
	Ran bool
	// Output holds the command's stdout lines for this device.
	Output []string
}

// Channel executes commands and file transfers on devices.
// RunBatch omits devices the tool produced no block for.
type Channel interface {
	RunBatch(ctx context.Context, ids []fleet.DeviceID, command string) (map[fleet.DeviceID]CommandResult, error)
	FetchFile(ctx context.Context, id fleet.DeviceID, remotePath string) ([]byte, error)
	PushFile(ctx context.Context, ids []fleet.DeviceID, content []byte, remotePath string) (map[fleet.DeviceID]bool, error)
}

// GoalStore persists goals across runs along with the remediation ledger.
type GoalStore interface {
	UpsertGoal(ctx context.Context, id fleet.DeviceID, goal fleet.Beam) error
	Goal(ctx context.Context, id fleet.DeviceID) (fleet.Beam, bool, error)
	// FlagUnhelpable reports whether a new flag was stored.
	FlagUnhelpable(ctx context.Context, id fleet.DeviceID, satellite int, crossPolarization bool) (bool, error)
	RecordFixCounts(ctx context.Context, byAgentRestart, byConfigUpdate int) error
}

// Observer is told about step progress. Implementations must be cheap.
type Observer interface {
	StepStarted(step Step)
	StepFinished(step Step, elapsed time.Duration, buckets map[Bucket]int)
	StepSkipped(step Step)
}

// Observers fans one event out to several observers.
type Observers []Observer

func (o Observers) StepStarted(step Step) {
	for _, obs := range o {
		obs.StepStarted(step)
	}
}

func (o Observers) StepFinished(step Step, elapsed time.Duration, buckets map[Bucket]int) {
	for _, obs := range o {
		obs.StepFinished(step, elapsed, buckets)
	}
}

func (o Observers) StepSkipped(step Step) {
	for _, obs := range o {
		obs.StepSkipped(step)
	}
}
