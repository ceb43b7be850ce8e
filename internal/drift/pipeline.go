package drift

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingDependency = errors.New("drift: missing pipeline dependency")
	ErrPipelinePanic     = errors.New("drift: pipeline panicked")
)

const (
	agentRestartCommand = "killall vstat; cwmpclient_setup RESTART"
	beamStatusCommand   = "utstat -L | grep beamId"
	rebootCommand       = "reboot"
	rebootMarker        = "called at"
)

// Deps are the collaborators a pipeline drives.
type Deps struct {
	Directory Directory
	Prober    Prober
	Channel   Channel
	Goals     GoalStore
	Clock     clock.Clock
	Observer  Observer
	Rand      *rand.Rand
	RunID     string
}

// Pipeline runs the remediation steps over one batch of devices.
type Pipeline struct {
	cfg        Config
	classifier *Classifier
	dir        Directory
	probe      Prober
	ch         Channel
	goals      GoalStore
	clk        clock.Clock
	obs        Observer
	rng        *rand.Rand
	runID      string
}

func NewPipeline(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:        cfg,
		classifier: &Classifier{Directory: deps.Directory, Goals: deps.Goals},
		dir:        deps.Directory,
		probe:      deps.Prober,
		ch:         deps.Channel,
		goals:      deps.Goals,
		clk:        deps.Clock,
		obs:        deps.Observer,
		rng:        deps.Rand,
		runID:      deps.RunID,
	}
	if p.clk == nil {
		p.clk = clock.WallClock
	}
	if p.obs == nil {
		p.obs = Observers(nil)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	return p, nil
}

// RunID identifies this pipeline's run in logs, metrics and reports.
func (p *Pipeline) RunID() string {
	return p.runID
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

func (p *Pipeline) ready() error {
	var missing []string
	if p.dir == nil {
		missing = append(missing, "directory")
	}
	if p.probe == nil {
		missing = append(missing, "prober")
	}
	if p.ch == nil {
		missing = append(missing, "channel")
	}
	if p.goals == nil {
		missing = append(missing, "goal store")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}
	return nil
}

// runState carries the working sets handed from one step to the next.
type runState struct {
	cls                Classification
	cleared            []*fleet.Device
	newlyPinned        []*fleet.Device
	onlineAfterClear   []*fleet.Device
	restarted          []*fleet.Device
	onlineAfterRestart []*fleet.Device
	onGoalAfterRestart []*fleet.Device
	wrongAfterRestart  []*fleet.Device
	pushed             []*fleet.Device
	onlineAfterReboot  []*fleet.Device
	onGoalAfterReboot  []*fleet.Device
}

// Run drives every step and always returns the outcome reached so far.
// The error is non-nil only for fatal failures (unreachable collaborators,
// cancellation, a recovered panic); per-device failures live in the outcome
// buckets.
func (p *Pipeline) Run(ctx context.Context, inputs []fleet.DeviceInput) (o *Outcome, err error) {
	o = newOutcome(p.runID, p.cfg.Mode(), p.clk.Now())
	defer func() {
		// A panic keeps the buckets filled so far so the summary can still print.
		if r := recover(); r != nil {
			log.Error().Msgf("drift.Pipeline.Run run_id=%q panic=%v\n%s", p.runID, r, debug.Stack())
			o.Err = fmt.Errorf("%w: %v", ErrPipelinePanic, r)
		}
		o.Finished = p.clk.Now()
		err = o.Err
	}()
	if o.Err = p.ready(); o.Err == nil {
		o.Err = p.run(ctx, inputs, o)
	}
	return o, o.Err
}

func (p *Pipeline) run(ctx context.Context, inputs []fleet.DeviceInput, o *Outcome) error {
	var st runState
	log.Info().Msgf("drift.Pipeline.Run run_id=%q mode=%q devices=%d", p.runID, p.cfg.Mode(), len(inputs))

	err := p.step(StepClassify, o, func() error {
		cls, err := p.classifier.Classify(ctx, inputs)
		st.cls = cls
		o.add(BucketNoGoal, cls.NoGoal)
		o.add(BucketCrossSatellite, cls.CrossSatellite)
		o.add(BucketCheckFailed, cls.CheckFailed)
		return err
	})
	if err != nil {
		return err
	}

	err = p.step(StepClear, o, func() error {
		res, err := p.ClearPinnings(ctx, st.cls.Drifted)
		st.cleared = keep(st.cls.Drifted, res.Cleared, res.AlreadyCleared)
		o.add(BucketClearFailed, res.Failed)
		return err
	})
	if err != nil {
		return err
	}

	err = p.step(StepPinMatched, o, func() error {
		res, err := p.PinToGoals(ctx, st.cls.Matched)
		st.newlyPinned = res.Pinned
		o.add(BucketAlreadyPinned, res.AlreadyPinned)
		o.add(BucketPinFailed, res.Failed)
		return err
	})
	if err != nil {
		return err
	}

	err = p.step(StepWaitAfterClear, o, func() error {
		res, err := p.wait(ctx, st.cleared, p.cfg.WaitAfterClear)
		st.onlineAfterClear = res.Online
		o.add(BucketOfflineAfterClear, res.Offline)
		return err
	})
	if err != nil {
		return err
	}

	err = p.step(StepRestartAgent, o, func() error {
		ok, failed, err := p.RestartAgent(ctx, st.onlineAfterClear)
		st.restarted = ok
		o.add(BucketRestartFailed, failed)
		if err != nil {
			return err
		}
		if len(ok) > 0 {
			log.Info().Msgf("drift.Pipeline.restartAgent settling for %s", p.cfg.AgentSettle)
			return sleep(ctx, p.clk, p.cfg.AgentSettle)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = p.step(StepWaitAfterRestart, o, func() error {
		res, err := p.wait(ctx, st.restarted, p.cfg.WaitAfterRestart)
		st.onlineAfterRestart = res.Online
		o.add(BucketOfflineAfterRestart, res.Offline)
		return err
	})
	if err != nil {
		return err
	}

	err = p.step(StepCheckAfterRestart, o, func() error {
		res, err := p.CheckBeams(ctx, st.onlineAfterRestart)
		st.onGoalAfterRestart = res.OnGoal
		st.wrongAfterRestart = keep(st.onlineAfterRestart, res.WrongOppPol, res.WrongSamePol)
		o.add(BucketOnGoalAfterRestart, res.OnGoal)
		o.add(BucketCheckFailedAfterRestart, res.Failed)
		return err
	})
	if err != nil {
		return err
	}

	if p.cfg.FastRun {
		o.add(BucketWrongBeamAfterRestart, st.wrongAfterRestart)
		for s := StepInspectConfig; s <= StepWaitAfterReboot; s++ {
			p.obs.StepSkipped(s)
		}
	} else if err := p.repairConfig(ctx, &st, o); err != nil {
		return err
	}

	err = p.step(StepRepin, o, func() error {
		var targets []*fleet.Device
		switch {
		case p.cfg.PreservePinnings:
			targets = st.cls.Drifted
		case p.cfg.FastRun:
			targets = st.onGoalAfterRestart
		default:
			targets = st.pushed
		}
		res, err := p.PinToGoals(ctx, targets)
		o.add(BucketRepinFailed, res.Failed)
		return err
	})
	if err != nil {
		return err
	}

	if p.cfg.FastRun {
		p.obs.StepSkipped(StepCheckAfterReboot)
	} else {
		err = p.step(StepCheckAfterReboot, o, func() error {
			res, err := p.CheckBeams(ctx, st.onlineAfterReboot)
			st.onGoalAfterReboot = res.OnGoal
			o.add(BucketOnGoal, res.OnGoal)
			o.add(BucketWrongBeamOppPol, res.WrongOppPol)
			o.add(BucketWrongBeamSamePol, res.WrongSamePol)
			o.add(BucketCheckFailedAfterReboot, res.Failed)
			if err != nil {
				return err
			}
			if err := p.goals.RecordFixCounts(ctx, len(st.onGoalAfterRestart), len(st.onGoalAfterReboot)); err != nil {
				log.Error().Msgf("drift.Pipeline.recordFixCounts err=%v", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return p.step(StepVerifyPinning, o, func() error {
		matched, err := p.VerifyPinnings(ctx, st.newlyPinned)
		o.add(BucketPinSuccess, matched.Committed)
		o.add(BucketPinNotCommitted, matched.NotCommitted)
		o.add(BucketPinCheckFailed, matched.Failed)
		if err != nil {
			return err
		}
		rebooted, err := p.VerifyPinnings(ctx, st.onlineAfterReboot)
		o.add(BucketNotPinnedToGoal, rebooted.NotCommitted)
		o.add(BucketFinalPinCheckFailed, rebooted.Failed)
		return err
	})
}

func (p *Pipeline) step(s Step, o *Outcome, fn func() error) error {
	p.obs.StepStarted(s)
	start := p.clk.Now()
	err := fn()
	p.obs.StepFinished(s, p.clk.Now().Sub(start), o.Counts())
	if err != nil {
		log.Error().Msgf("drift.Pipeline.step step=%d err=%v", int(s), err)
	}
	return err
}

func (p *Pipeline) wait(ctx context.Context, devices []*fleet.Device, timeout time.Duration) (WaitResult, error) {
	return WaitUntilOnline(ctx, p.clk, p.probe, devices, WaitPolicy{
		Interval:    p.cfg.PollInterval,
		Timeout:     timeout,
		Stabilize:   p.cfg.StabilizeDelay,
		Parallelism: p.cfg.ProbeParallelism,
	})
}

// ClearResult is the step 2 partition.
type ClearResult struct {
	Cleared        []*fleet.Device
	AlreadyCleared []*fleet.Device
	Failed         []*fleet.Device
}

// ClearPinnings caches each goal and then sets the pinning to beam 0 / NOT_SET.
// A device already holding the cleared sentinel is reported as AlreadyCleared.
// A goal that cannot be cached is never cleared.
func (p *Pipeline) ClearPinnings(ctx context.Context, devices []*fleet.Device) (ClearResult, error) {
	var res ClearResult
	for _, d := range devices {
		if err := p.goals.UpsertGoal(ctx, d.ID, d.Goal); err != nil {
			if errors.Is(err, fleet.ErrUnavailable) {
				return res, err
			}
			log.Warn().Msgf("drift.Pipeline.clear device=%q cache goal err=%v", d.ID, err)
			res.Failed = append(res.Failed, d)
			continue
		}
		if d.Pinned.Cleared() {
			res.AlreadyCleared = append(res.AlreadyCleared, d)
			continue
		}
		if err := p.dir.SetPinning(ctx, d.ID, 0, fleet.NotSet); err != nil {
			if errors.Is(err, fleet.ErrUnavailable) {
				return res, err
			}
			log.Warn().Msgf("drift.Pipeline.clear device=%q err=%v", d.ID, err)
			res.Failed = append(res.Failed, d)
			continue
		}
		d.Pinned.Beam = fleet.IntPtr(0)
		d.Pinned.Polarization = fleet.NotSet
		res.Cleared = append(res.Cleared, d)
	}
	logDevices("drift.Pipeline.clear cleared", res.Cleared)
	logDevices("drift.Pipeline.clear already cleared", res.AlreadyCleared)
	logDevices("drift.Pipeline.clear failed", res.Failed)
	return res, nil
}

// PinResult is the step 3 and step 14 partition.
type PinResult struct {
	Pinned        []*fleet.Device
	AlreadyPinned []*fleet.Device
	Failed        []*fleet.Device
}

// PinToGoals writes each device's goal beam and polarization unless the live
// pinning already names them.
func (p *Pipeline) PinToGoals(ctx context.Context, devices []*fleet.Device) (PinResult, error) {
	var res PinResult
	for _, d := range devices {
		if pinnedTo(d.Pinned, d.Goal) {
			res.AlreadyPinned = append(res.AlreadyPinned, d)
			continue
		}
		if err := p.dir.SetPinning(ctx, d.ID, d.Goal.Beam, d.Goal.Polarization); err != nil {
			if errors.Is(err, fleet.ErrUnavailable) {
				return res, err
			}
			log.Warn().Msgf("drift.Pipeline.pin device=%q goal=%s err=%v", d.ID, d.Goal, err)
			res.Failed = append(res.Failed, d)
			continue
		}
		d.Pinned.Beam = fleet.IntPtr(d.Goal.Beam)
		d.Pinned.Polarization = d.Goal.Polarization
		res.Pinned = append(res.Pinned, d)
	}
	logDevices("drift.Pipeline.pin pinned", res.Pinned)
	logDevices("drift.Pipeline.pin already pinned", res.AlreadyPinned)
	logDevices("drift.Pipeline.pin failed", res.Failed)
	return res, nil
}

func pinnedTo(pin fleet.Pinning, goal fleet.Beam) bool {
	return pin.Beam != nil && *pin.Beam == goal.Beam && pin.Polarization == goal.Polarization
}

// RestartAgent restarts the device management agent in batches.
func (p *Pipeline) RestartAgent(ctx context.Context, devices []*fleet.Device) ([]*fleet.Device, []*fleet.Device, error) {
	results, err := p.runCommand(ctx, devices, agentRestartCommand)
	if err != nil {
		return nil, devices, err
	}
	var ok, failed []*fleet.Device
	for _, d := range devices {
		if r, found := results[d.ID]; found && r.Ran {
			ok = append(ok, d)
		} else {
			failed = append(failed, d)
		}
	}
	logDevices("drift.Pipeline.restartAgent restarted", ok)
	logDevices("drift.Pipeline.restartAgent failed", failed)
	return ok, failed, nil
}

// BeamCheck is the step 7 and step 15 partition.
type BeamCheck struct {
	OnGoal       []*fleet.Device
	WrongOppPol  []*fleet.Device
	WrongSamePol []*fleet.Device
	Failed       []*fleet.Device
}

// CheckBeams reads each device's live beam id. Devices on the wrong beam are
// recorded as unhelpable; the store keeps only the first flag per device.
func (p *Pipeline) CheckBeams(ctx context.Context, devices []*fleet.Device) (BeamCheck, error) {
	var res BeamCheck
	results, err := p.runCommand(ctx, devices, beamStatusCommand)
	if err != nil {
		res.Failed = devices
		return res, err
	}
	for _, d := range devices {
		r, found := results[d.ID]
		beam, ok := parseBeamStatus(r.Output)
		if !found || !ok {
			res.Failed = append(res.Failed, d)
			continue
		}
		if beam == d.Goal.Beam {
			res.OnGoal = append(res.OnGoal, d)
			continue
		}
		opp, err := oppositeBeams(beam, d.Goal.Beam)
		if err != nil {
			log.Warn().Msgf("drift.Pipeline.checkBeams device=%q err=%v", d.ID, err)
			res.Failed = append(res.Failed, d)
			continue
		}
		if opp {
			res.WrongOppPol = append(res.WrongOppPol, d)
		} else {
			res.WrongSamePol = append(res.WrongSamePol, d)
		}
		log.Info().Msgf("drift.Pipeline.checkBeams device=%q beam=%d goal=%d opposite_pol=%t", d.ID, beam, d.Goal.Beam, opp)
		p.flagUnhelpable(ctx, d, opp)
	}
	logDevices("drift.Pipeline.checkBeams on goal", res.OnGoal)
	logDevices("drift.Pipeline.checkBeams check failed", res.Failed)
	return res, nil
}

func (p *Pipeline) flagUnhelpable(ctx context.Context, d *fleet.Device, opp bool) {
	added, err := p.goals.FlagUnhelpable(ctx, d.ID, d.Goal.Satellite, opp)
	if err != nil {
		log.Error().Msgf("drift.Pipeline.flagUnhelpable device=%q err=%v", d.ID, err)
		return
	}
	if added {
		log.Info().Msgf("drift.Pipeline.flagUnhelpable device=%q satellite=%d cross_pol=%t", d.ID, d.Goal.Satellite, opp)
	}
}

// PinVerification is the step 16 partition.
type PinVerification struct {
	Committed    []*fleet.Device
	NotCommitted []*fleet.Device
	Failed       []*fleet.Device
}

// VerifyPinnings re-reads each pinning and compares it with the goal. A pinned
// satellite only counts against the device when present.
func (p *Pipeline) VerifyPinnings(ctx context.Context, devices []*fleet.Device) (PinVerification, error) {
	var res PinVerification
	for _, d := range devices {
		pin, err := p.dir.Pinning(ctx, d.ID)
		if err != nil {
			if errors.Is(err, fleet.ErrUnavailable) {
				return res, err
			}
			log.Warn().Msgf("drift.Pipeline.verify device=%q err=%v", d.ID, err)
			res.Failed = append(res.Failed, d)
			continue
		}
		beamOK := pin.Beam != nil && *pin.Beam != 0 && *pin.Beam == d.Goal.Beam
		satOK := pin.Satellite == nil || *pin.Satellite == 0 || *pin.Satellite == d.Goal.Satellite
		if beamOK && satOK {
			res.Committed = append(res.Committed, d)
			continue
		}
		log.Warn().Msgf("drift.Pipeline.verify device=%q expected=%s pinned=%s", d.ID, d.Goal, pin)
		res.NotCommitted = append(res.NotCommitted, d)
	}
	logDevices("drift.Pipeline.verify committed", res.Committed)
	return res, nil
}

// runCommand runs command over devices in batches. A batch the tool rejects
// leaves its devices out of the result; an unreachable channel is fatal.
func (p *Pipeline) runCommand(ctx context.Context, devices []*fleet.Device, command string) (map[fleet.DeviceID]CommandResult, error) {
	out := make(map[fleet.DeviceID]CommandResult, len(devices))
	for _, batch := range batches(devices, p.cfg.BatchSize) {
		res, err := p.ch.RunBatch(ctx, fleet.IDs(batch), command)
		if err != nil {
			if errors.Is(err, fleet.ErrUnavailable) || ctx.Err() != nil {
				return out, err
			}
			log.Warn().Strs("devices", fleet.Strings(batch)).Msgf("drift.Pipeline.runCommand command=%q err=%v", command, err)
			continue
		}
		for id, r := range res {
			out[id] = r
		}
	}
	return out, nil
}

func batches(devices []*fleet.Device, size int) [][]*fleet.Device {
	if size <= 0 {
		size = len(devices)
	}
	var out [][]*fleet.Device
	for start := 0; start < len(devices); start += size {
		end := min(start+size, len(devices))
		out = append(out, devices[start:end])
	}
	return out
}

// keep returns the members of devices found in any of sets, in devices order.
func keep(devices []*fleet.Device, sets ...[]*fleet.Device) []*fleet.Device {
	in := make(map[*fleet.Device]bool)
	for _, set := range sets {
		for _, d := range set {
			in[d] = true
		}
	}
	var out []*fleet.Device
	for _, d := range devices {
		if in[d] {
			out = append(out, d)
		}
	}
	return out
}

// parseBeamStatus finds "beamId: N" in the status command output.
func parseBeamStatus(lines []string) (int, bool) {
	for _, line := range lines {
		_, rest, found := strings.Cut(line, "beamId:")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		beam, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, false
		}
		return beam, true
	}
	return 0, false
}

func logDevices(msg string, devices []*fleet.Device) {
	if len(devices) == 0 {
		return
	}
	log.Info().Strs("devices", fleet.Strings(devices)).Msgf("%s count=%d", msg, len(devices))
}
