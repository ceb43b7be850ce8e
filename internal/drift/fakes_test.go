package drift

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
)

type fakeDirectory struct {
	mu        sync.Mutex
	observed  map[fleet.DeviceID]fleet.ObservedState
	pins      map[fleet.DeviceID]fleet.Pinning
	failObs   map[fleet.DeviceID]error
	failPin   map[fleet.DeviceID]error
	failSet   map[fleet.DeviceID]error
	onBeam    map[beamKey][]fleet.DeviceID
	setCalls  int
	onSetHook func(id fleet.DeviceID, beam int, pol fleet.Polarization)
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		observed: make(map[fleet.DeviceID]fleet.ObservedState),
		pins:     make(map[fleet.DeviceID]fleet.Pinning),
		failObs:  make(map[fleet.DeviceID]error),
		failPin:  make(map[fleet.DeviceID]error),
		failSet:  make(map[fleet.DeviceID]error),
		onBeam:   make(map[beamKey][]fleet.DeviceID),
	}
}

func (f *fakeDirectory) add(id fleet.DeviceID, observed fleet.Beam, pin fleet.Pinning) {
	f.observed[id] = fleet.ObservedState{Beam: observed, Partition: "vno-a"}
	f.pins[id] = pin
}

func (f *fakeDirectory) ObservedState(_ context.Context, id fleet.DeviceID) (fleet.ObservedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failObs[id]; err != nil {
		return fleet.ObservedState{}, err
	}
	obs, ok := f.observed[id]
	if !ok {
		return fleet.ObservedState{}, fmt.Errorf("device %s not found", id)
	}
	return obs, nil
}

func (f *fakeDirectory) Pinning(_ context.Context, id fleet.DeviceID) (fleet.Pinning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failPin[id]; err != nil {
		return fleet.Pinning{}, err
	}
	return f.pins[id], nil
}

func (f *fakeDirectory) SetPinning(_ context.Context, id fleet.DeviceID, beam int, pol fleet.Polarization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if err := f.failSet[id]; err != nil {
		return err
	}
	pin := f.pins[id]
	pin.Beam = fleet.IntPtr(beam)
	pin.Polarization = pol
	f.pins[id] = pin
	if f.onSetHook != nil {
		f.onSetHook(id, beam, pol)
	}
	return nil
}

func (f *fakeDirectory) OnlineOnBeam(_ context.Context, satellite, beam, limit int) ([]fleet.DeviceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.onBeam[beamKey{Satellite: satellite, Beam: beam}]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return append([]fleet.DeviceID(nil), ids...), nil
}

// fakeProber answers from a per-device function of the poll count.
type fakeProber struct {
	mu     sync.Mutex
	calls  map[fleet.DeviceID]int
	online func(id fleet.DeviceID, call int) bool
	err    error
}

func (f *fakeProber) Ping(_ context.Context, id fleet.DeviceID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.calls == nil {
		f.calls = make(map[fleet.DeviceID]int)
	}
	f.calls[id]++
	if f.online == nil {
		return true, nil
	}
	return f.online(id, f.calls[id]), nil
}

func alwaysOnline() *fakeProber {
	return &fakeProber{}
}

type pushCall struct {
	ids     []fleet.DeviceID
	content string
	path    string
}

// fakeChannel scripts command results by command prefix.
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]func(id fleet.DeviceID) (CommandResult, bool)
	files    map[fleet.DeviceID][]byte
	pushOK   map[fleet.DeviceID]bool
	commands []string
	batches  [][]fleet.DeviceID
	pushes   []pushCall
	fetched  []fleet.DeviceID
	batchErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		handlers: make(map[string]func(fleet.DeviceID) (CommandResult, bool)),
		files:    make(map[fleet.DeviceID][]byte),
		pushOK:   make(map[fleet.DeviceID]bool),
	}
}

func (f *fakeChannel) on(prefix string, fn func(id fleet.DeviceID) (CommandResult, bool)) {
	f.handlers[prefix] = fn
}

func (f *fakeChannel) RunBatch(_ context.Context, ids []fleet.DeviceID, command string) (map[fleet.DeviceID]CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.batches = append(f.batches, append([]fleet.DeviceID(nil), ids...))
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make(map[fleet.DeviceID]CommandResult)
	for prefix, fn := range f.handlers {
		if !strings.HasPrefix(command, prefix) {
			continue
		}
		for _, id := range ids {
			if r, ok := fn(id); ok {
				out[id] = r
			}
		}
	}
	return out, nil
}

func (f *fakeChannel) FetchFile(_ context.Context, id fleet.DeviceID, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	data, ok := f.files[id]
	if !ok {
		return nil, fmt.Errorf("get_file %s failed", id)
	}
	return data, nil
}

func (f *fakeChannel) PushFile(_ context.Context, ids []fleet.DeviceID, content []byte, path string) (map[fleet.DeviceID]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushCall{ids: ids, content: string(content), path: path})
	out := make(map[fleet.DeviceID]bool)
	for _, id := range ids {
		if ok, set := f.pushOK[id]; !set || ok {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeChannel) ran(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, command) {
			n++
		}
	}
	return n
}

type unhelpableFlag struct {
	satellite int
	crossPol  bool
}

type fakeGoals struct {
	mu         sync.Mutex
	goals      map[fleet.DeviceID]fleet.Beam
	unhelpable map[fleet.DeviceID]unhelpableFlag
	fixCounts  [][2]int
	upsertErr  error
}

func newFakeGoals() *fakeGoals {
	return &fakeGoals{
		goals:      make(map[fleet.DeviceID]fleet.Beam),
		unhelpable: make(map[fleet.DeviceID]unhelpableFlag),
	}
}

func (f *fakeGoals) UpsertGoal(_ context.Context, id fleet.DeviceID, goal fleet.Beam) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.goals[id] = goal
	return nil
}

func (f *fakeGoals) Goal(_ context.Context, id fleet.DeviceID) (fleet.Beam, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[id]
	return g, ok, nil
}

func (f *fakeGoals) FlagUnhelpable(_ context.Context, id fleet.DeviceID, satellite int, crossPol bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.unhelpable[id]; ok {
		return false, nil
	}
	f.unhelpable[id] = unhelpableFlag{satellite: satellite, crossPol: crossPol}
	return true, nil
}

func (f *fakeGoals) RecordFixCounts(_ context.Context, byAgentRestart, byConfigUpdate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixCounts = append(f.fixCounts, [2]int{byAgentRestart, byConfigUpdate})
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []Step
	finished []Step
	skipped  []Step
}

func (r *recordingObserver) StepStarted(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s)
}

func (r *recordingObserver) StepFinished(s Step, _ time.Duration, _ map[Bucket]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s)
}

func (r *recordingObserver) StepSkipped(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, s)
}

// fastConfig shrinks every delay; the dilated clock does the rest.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Second
	cfg.StabilizeDelay = time.Second
	cfg.WaitAfterClear = 10 * time.Second
	cfg.WaitAfterRestart = 10 * time.Second
	cfg.WaitAfterPush = 10 * time.Second
	cfg.AgentSettle = time.Second
	cfg.RebootSettle = time.Second
	return cfg
}

func testClock() clock.Clock {
	return testclock.NewDilatedWallClock(10 * time.Millisecond)
}

func mustID(s string) fleet.DeviceID {
	id, err := fleet.ParseDeviceID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func beam(sat, b int, pol fleet.Polarization) fleet.Beam {
	return fleet.Beam{Satellite: sat, Beam: b, Polarization: pol}
}

func pinning(sat, b int, pol fleet.Polarization) fleet.Pinning {
	return fleet.Pinning{Satellite: fleet.IntPtr(sat), Beam: fleet.IntPtr(b), Polarization: pol, SoftwareVersion: "3.1.2"}
}

func ran(lines ...string) func(fleet.DeviceID) (CommandResult, bool) {
	return func(fleet.DeviceID) (CommandResult, bool) {
		return CommandResult{Ran: true, Output: lines}, true
	}
}
