package drift

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/testutil/testlog"
)

type harness struct {
	dir   *fakeDirectory
	probe *fakeProber
	ch    *fakeChannel
	goals *fakeGoals
	obs   *recordingObserver
}

func newHarness() *harness {
	return &harness{
		dir:   newFakeDirectory(),
		probe: alwaysOnline(),
		ch:    newFakeChannel(),
		goals: newFakeGoals(),
		obs:   &recordingObserver{},
	}
}

func (h *harness) pipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg, Deps{
		Directory: h.dir,
		Prober:    h.probe,
		Channel:   h.ch,
		Goals:     h.goals,
		Clock:     testClock(),
		Observer:  h.obs,
		Rand:      rand.New(rand.NewSource(1)),
		RunID:     "run-test",
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

// beamStatus answers the beam status command from a mutable per-device table.
func (h *harness) beamStatus(beams map[fleet.DeviceID]int) {
	h.ch.on(beamStatusCommand, func(id fleet.DeviceID) (CommandResult, bool) {
		b, ok := beams[id]
		if !ok {
			return CommandResult{}, false
		}
		return CommandResult{Ran: true, Output: []string{fmt.Sprintf("beamId: %d", b)}}, true
	})
}

func TestRunEndToEndScenario(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	a := mustID("00a0bc0000a1")
	b := mustID("00a0bc0000b2")
	c := mustID("00a0bc0000c3")
	h.dir.add(a, beam(1, 10, fleet.LHCP), pinning(1, 11, fleet.LHCP))
	h.dir.add(b, beam(1, 20, fleet.RHCP), pinning(1, 10, fleet.LHCP))
	h.dir.add(c, beam(1, 5, fleet.LHCP), pinning(2, 5, fleet.LHCP))
	h.ch.on(agentRestartCommand, ran())
	h.beamStatus(map[fleet.DeviceID]int{b: 10})

	goalA := beam(1, 10, fleet.LHCP)
	inputs := []fleet.DeviceInput{{ID: a, Goal: &goalA}, {ID: b}, {ID: c}}
	o, err := h.pipeline(t, fastConfig()).Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	assertIDs(t, "pin success", o.Devices(BucketPinSuccess), a)
	assertIDs(t, "on goal after restart", o.Devices(BucketOnGoalAfterRestart), b)
	assertIDs(t, "cross satellite", o.Devices(BucketCrossSatellite), c)

	membership := make(map[fleet.DeviceID]int)
	for _, ds := range o.Buckets {
		for _, d := range ds {
			membership[d.ID]++
		}
	}
	for _, id := range []fleet.DeviceID{a, b, c} {
		if membership[id] != 1 {
			t.Fatalf("device %s is in %d buckets: %v", id, membership[id], o.Counts())
		}
	}

	if n := h.ch.ran("egrep"); n != 0 {
		t.Fatalf("expected no config inspection, got %d commands", n)
	}
	if got := h.dir.pins[c]; *got.Beam != 5 || *got.Satellite != 2 {
		t.Fatalf("cross satellite device was touched: %s", got)
	}
	if got := h.goals.goals[b]; got != beam(1, 10, fleet.LHCP) {
		t.Fatalf("expected goal cached before clearing, got %s", got)
	}
	if len(h.goals.fixCounts) != 1 || h.goals.fixCounts[0] != [2]int{1, 0} {
		t.Fatalf("expected fix counts [1 0], got %v", h.goals.fixCounts)
	}
	if o.HasFailures() {
		t.Fatalf("expected no failures, got %v", o.Counts())
	}
	if len(h.obs.started) != 16 || len(h.obs.skipped) != 0 {
		t.Fatalf("expected all 16 steps to run, started=%v skipped=%v", h.obs.started, h.obs.skipped)
	}
}

func TestRunFastModeRepinsDevicesFixedByRestart(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	fixed := mustID("00a0bc000031")
	stuck := mustID("00a0bc000032")
	h.dir.add(fixed, beam(1, 20, fleet.RHCP), pinning(1, 10, fleet.LHCP))
	h.dir.add(stuck, beam(1, 21, fleet.RHCP), pinning(1, 12, fleet.LHCP))
	h.ch.on(agentRestartCommand, ran())
	h.beamStatus(map[fleet.DeviceID]int{fixed: 10, stuck: 21})

	cfg := fastConfig()
	cfg.FastRun = true
	o, err := h.pipeline(t, cfg).Run(context.Background(), []fleet.DeviceInput{{ID: fixed}, {ID: stuck}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	assertIDs(t, "on goal after restart", o.Devices(BucketOnGoalAfterRestart), fixed)
	assertIDs(t, "wrong beam after restart", o.Devices(BucketWrongBeamAfterRestart), stuck)
	if pin := h.dir.pins[fixed]; *pin.Beam != 10 || pin.Polarization != fleet.LHCP {
		t.Fatalf("expected fixed device re-pinned to 10 LHCP, got %s", pin)
	}
	if pin := h.dir.pins[stuck]; !pin.Cleared() {
		t.Fatalf("expected stuck device left cleared, got %s", pin)
	}
	if len(h.obs.skipped) != 7 {
		t.Fatalf("expected steps 8-13 and 15 skipped, got %v", h.obs.skipped)
	}
	if len(h.goals.fixCounts) != 0 {
		t.Fatalf("fast runs must not record fix counts, got %v", h.goals.fixCounts)
	}
	if flag, ok := h.goals.unhelpable[stuck]; !ok || !flag.crossPol || flag.satellite != 1 {
		t.Fatalf("expected device stuck after restart flagged opposite pol, got %+v ok=%t", flag, ok)
	}
	if _, ok := h.goals.unhelpable[fixed]; ok {
		t.Fatalf("device fixed by restart must not be flagged")
	}
	if o.Mode != "fast" {
		t.Fatalf("expected mode fast, got %q", o.Mode)
	}
}

func TestRunRepairsCachedConfig(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	needsConfig := mustID("00a0bc000041")
	hasConfig := mustID("00a0bc000042")
	noDonor := mustID("00a0bc000043")
	donor := mustID("00a0bc0000d1")
	h.dir.add(needsConfig, beam(1, 20, fleet.RHCP), pinning(1, 12, fleet.LHCP))
	h.dir.add(hasConfig, beam(1, 22, fleet.RHCP), pinning(1, 12, fleet.LHCP))
	h.dir.add(noDonor, beam(1, 20, fleet.RHCP), pinning(1, 14, fleet.LHCP))
	h.dir.onBeam[beamKey{Satellite: 1, Beam: 12}] = []fleet.DeviceID{donor}
	template := "Beam_Id  = 12\nNeighbor_Beam_Id = 13\n"
	h.ch.files[donor] = []byte(template)

	beams := map[fleet.DeviceID]int{needsConfig: 20, hasConfig: 22, noDonor: 20}
	h.ch.on(agentRestartCommand, ran())
	h.beamStatus(beams)
	h.ch.on("egrep", func(id fleet.DeviceID) (CommandResult, bool) {
		if id == hasConfig {
			return CommandResult{Ran: true, Output: []string{"Beam_Id  = 12"}}, true
		}
		return CommandResult{Ran: true}, true
	})
	h.ch.on("cp ", ran())
	h.ch.on(rebootCommand, func(id fleet.DeviceID) (CommandResult, bool) {
		beams[id] = 12
		return CommandResult{Ran: true, Output: []string{"reboot called at 12:00"}}, true
	})

	o, err := h.pipeline(t, fastConfig()).Run(context.Background(), []fleet.DeviceInput{{ID: needsConfig}, {ID: hasConfig}, {ID: noDonor}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	assertIDs(t, "on goal", o.Devices(BucketOnGoal), needsConfig)
	assertIDs(t, "goal in config same pol", o.Devices(BucketGoalInConfigSamePol), hasConfig)
	assertIDs(t, "no donor", o.Devices(BucketNoDonorConfig), noDonor)

	if len(h.ch.pushes) != 1 {
		t.Fatalf("expected one push, got %d", len(h.ch.pushes))
	}
	push := h.ch.pushes[0]
	if push.content != template || push.path != DefaultConfigPath || len(push.ids) != 1 || push.ids[0] != needsConfig {
		t.Fatalf("unexpected push %+v", push)
	}
	if pin := h.dir.pins[needsConfig]; *pin.Beam != 12 || pin.Polarization != fleet.LHCP {
		t.Fatalf("expected re-pin to 12 LHCP, got %s", pin)
	}
	if flag, ok := h.goals.unhelpable[hasConfig]; !ok || flag.crossPol || flag.satellite != 1 {
		t.Fatalf("expected same-pol unhelpable flag, got %+v ok=%t", flag, ok)
	}
	if flag, ok := h.goals.unhelpable[needsConfig]; !ok || !flag.crossPol {
		t.Fatalf("expected opposite-pol flag from the post-restart check, got %+v ok=%t", flag, ok)
	}
	if flag, ok := h.goals.unhelpable[noDonor]; !ok || !flag.crossPol {
		t.Fatalf("expected opposite-pol flag for device without donor, got %+v ok=%t", flag, ok)
	}
	if len(h.goals.fixCounts) != 1 || h.goals.fixCounts[0] != [2]int{0, 1} {
		t.Fatalf("expected fix counts [0 1], got %v", h.goals.fixCounts)
	}
}

func TestRunForceConfigUpdatePushesEvenWhenPresent(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	id := mustID("00a0bc000051")
	donor := mustID("00a0bc0000d2")
	h.dir.add(id, beam(1, 22, fleet.RHCP), pinning(1, 12, fleet.LHCP))
	h.dir.onBeam[beamKey{Satellite: 1, Beam: 12}] = []fleet.DeviceID{donor}
	h.ch.files[donor] = []byte("Beam_Id  = 12\n")
	beams := map[fleet.DeviceID]int{id: 22}
	h.ch.on(agentRestartCommand, ran())
	h.beamStatus(beams)
	h.ch.on("egrep", ran("Beam_Id  = 12"))
	h.ch.on("cp ", ran())
	h.ch.on(rebootCommand, ran("called at"))

	cfg := fastConfig()
	cfg.ForceConfigUpdate = true
	o, err := h.pipeline(t, cfg).Run(context.Background(), []fleet.DeviceInput{{ID: id}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertIDs(t, "goal in config same pol", o.Devices(BucketGoalInConfigSamePol), id)
	if len(h.ch.pushes) != 1 {
		t.Fatalf("expected forced push, got %d", len(h.ch.pushes))
	}
	assertIDs(t, "wrong beam same pol", o.Devices(BucketWrongBeamSamePol), id)
}

func TestRunPreserveRepinsAllDrifted(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	id := mustID("00a0bc000061")
	h.dir.add(id, beam(1, 20, fleet.RHCP), pinning(1, 12, fleet.LHCP))
	h.ch.on(agentRestartCommand, ran())
	h.beamStatus(map[fleet.DeviceID]int{id: 20})
	h.ch.on("egrep", ran())

	cfg := fastConfig()
	cfg.PreservePinnings = true
	o, err := h.pipeline(t, cfg).Run(context.Background(), []fleet.DeviceInput{{ID: id}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertIDs(t, "no donor", o.Devices(BucketNoDonorConfig), id)
	if pin := h.dir.pins[id]; *pin.Beam != 12 {
		t.Fatalf("expected preserved pinning 12, got %s", pin)
	}
}

func TestClearPinningsIsIdempotent(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	id := mustID("00a0bc000071")
	h.dir.add(id, beam(1, 20, fleet.RHCP), pinning(1, 10, fleet.LHCP))
	d := &fleet.Device{ID: id, Goal: beam(1, 10, fleet.LHCP), Pinned: h.dir.pins[id]}
	p := h.pipeline(t, fastConfig())

	first, err := p.ClearPinnings(context.Background(), []*fleet.Device{d})
	if err != nil {
		t.Fatalf("first clear: %v", err)
	}
	assertIDs(t, "cleared", first.Cleared, id)

	second, err := p.ClearPinnings(context.Background(), []*fleet.Device{d})
	if err != nil {
		t.Fatalf("second clear: %v", err)
	}
	assertIDs(t, "already cleared", second.AlreadyCleared, id)
	if len(second.Failed) != 0 || len(second.Cleared) != 0 {
		t.Fatalf("second clear must be a no-op, got %+v", second)
	}
	if pin := h.dir.pins[id]; !pin.Cleared() || *pin.Beam != 0 {
		t.Fatalf("expected cleared pinning, got %s", pin)
	}
	if h.dir.setCalls != 1 {
		t.Fatalf("expected one write, got %d", h.dir.setCalls)
	}
}

func TestClearPinningsKeepsPinningWhenGoalCannotBeCached(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	h.goals.upsertErr = errors.New("database is locked")
	id := mustID("00a0bc000072")
	h.dir.add(id, beam(1, 20, fleet.RHCP), pinning(1, 10, fleet.LHCP))
	d := &fleet.Device{ID: id, Goal: beam(1, 10, fleet.LHCP), Pinned: h.dir.pins[id]}

	res, err := h.pipeline(t, fastConfig()).ClearPinnings(context.Background(), []*fleet.Device{d})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	assertIDs(t, "failed", res.Failed, id)
	if h.dir.setCalls != 0 {
		t.Fatalf("pinning must not be cleared without a cached goal")
	}
}

func TestRestartAgentBatches(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	h.ch.on(agentRestartCommand, ran())
	var devices []*fleet.Device
	for i := range 5 {
		devices = append(devices, &fleet.Device{ID: mustID(fmt.Sprintf("00a0bc0001%02x", i))})
	}
	cfg := fastConfig()
	cfg.BatchSize = 2

	ok, failed, err := h.pipeline(t, cfg).RestartAgent(context.Background(), devices)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(ok) != 5 || len(failed) != 0 {
		t.Fatalf("expected all restarted, ok=%d failed=%d", len(ok), len(failed))
	}
	if len(h.ch.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(h.ch.batches))
	}
}

func TestRunUnavailableChannelKeepsPartialOutcome(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	drifted := mustID("00a0bc000081")
	cross := mustID("00a0bc000082")
	h.dir.add(drifted, beam(1, 20, fleet.RHCP), pinning(1, 10, fleet.LHCP))
	h.dir.add(cross, beam(1, 5, fleet.LHCP), pinning(2, 5, fleet.LHCP))
	h.ch.batchErr = fmt.Errorf("jumpbox: %w", fleet.ErrUnavailable)

	o, err := h.pipeline(t, fastConfig()).Run(context.Background(), []fleet.DeviceInput{{ID: drifted}, {ID: cross}})
	if !errors.Is(err, fleet.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if o == nil || !errors.Is(o.Err, fleet.ErrUnavailable) {
		t.Fatalf("expected outcome carrying the error, got %+v", o)
	}
	assertIDs(t, "cross satellite", o.Devices(BucketCrossSatellite), cross)
}

func TestRunMissingDependency(t *testing.T) {
	p, err := NewPipeline(fastConfig(), Deps{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	o, err := p.Run(context.Background(), nil)
	if !errors.Is(err, ErrMissingDependency) || o == nil {
		t.Fatalf("expected ErrMissingDependency with outcome, got %v", err)
	}
}

func TestConfigBeams(t *testing.T) {
	primary, neighbor := configBeams([]string{
		"Beam_Id  = 12",
		"Neighbor_Beam_Id = 13",
		"Neighbor_Beam_Id = 14",
		"Satellite_Id = 1",
		"garbage",
	})
	if len(primary) != 1 || primary[0] != "12" {
		t.Fatalf("unexpected primary %v", primary)
	}
	if len(neighbor) != 2 || neighbor[1] != "14" {
		t.Fatalf("unexpected neighbor %v", neighbor)
	}
}

func TestParseBeamStatus(t *testing.T) {
	if b, ok := parseBeamStatus([]string{"noise", "  beamId: 42 (locked)"}); !ok || b != 42 {
		t.Fatalf("expected 42, got %d ok=%t", b, ok)
	}
	if _, ok := parseBeamStatus([]string{"beamId: n/a"}); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestRunPanicKeepsPartialOutcomeForSummary(t *testing.T) {
	testlog.Start(t)

	h := newHarness()
	drifted := mustID("00a0bc000061")
	elsewhere := mustID("00a0bc000062")
	h.dir.add(drifted, beam(1, 20, fleet.RHCP), pinning(1, 10, fleet.LHCP))
	h.dir.add(elsewhere, beam(1, 5, fleet.LHCP), pinning(2, 5, fleet.LHCP))
	h.ch.on(agentRestartCommand, func(fleet.DeviceID) (CommandResult, bool) {
		panic("mtool output index out of range")
	})

	o, err := h.pipeline(t, fastConfig()).Run(context.Background(), []fleet.DeviceInput{{ID: drifted}, {ID: elsewhere}})
	if !errors.Is(err, ErrPipelinePanic) {
		t.Fatalf("expected ErrPipelinePanic, got %v", err)
	}
	if o == nil || !errors.Is(o.Err, ErrPipelinePanic) {
		t.Fatalf("expected outcome carrying the panic, got %+v", o)
	}
	if o.Finished.IsZero() {
		t.Fatalf("expected finish time set after panic")
	}
	assertIDs(t, "cross satellite", o.Devices(BucketCrossSatellite), elsewhere)

	var out bytes.Buffer
	if err := (Reporter{Out: &out, Config: fastConfig()}).Report(o); err != nil {
		t.Fatalf("report: %v", err)
	}
	text := out.String()
	for _, want := range []string{"SUMMARY OF RESULTS", "have a goal on another satellite", "run stopped early", "mtool output index out of range"} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
}
