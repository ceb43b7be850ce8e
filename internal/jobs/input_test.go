package jobs

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/testutil/testlog"
)

func mapEnv(vars map[string]string) Env {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestParseDevices(t *testing.T) {
	testlog.Start(t)

	got, err := ParseDevices("00:a0:bc:11:22:33\n\n 00A0BC445566, 1, 10, lhcp \n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(got))
	}
	if got[0].ID != "00A0BC112233" || got[0].Goal != nil {
		t.Fatalf("unexpected first device: %+v", got[0])
	}
	if got[1].Goal == nil || *got[1].Goal != (fleet.Beam{Satellite: 1, Beam: 10, Polarization: fleet.LHCP}) {
		t.Fatalf("unexpected override: %+v", got[1].Goal)
	}
}

func TestParseDevicesRejects(t *testing.T) {
	testlog.Start(t)

	if _, err := ParseDevices("00A0BC112233\n00a0bc112233"); !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("expected ErrDuplicateDevice, got %v", err)
	}
	for _, bad := range []string{
		"00A0BC112233, 1, 10",
		"00A0BC112233, x, 10, LHCP",
		"00A0BC112233, 1, 0, LHCP",
		"00A0BC112233, 1, 10, NOT_SET",
		"00A0BC112233, 1, 10, sideways",
		"not-a-mac",
	} {
		if _, err := ParseDevices(bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestReadInput(t *testing.T) {
	testlog.Start(t)

	in, err := ReadInput(mapEnv(map[string]string{
		VarEnvironment:       "Prod",
		VarDevices:           "00A0BC112233",
		VarBlocklist:         "00:A0:BC:44:55:66\n",
		VarPreservePinnings:  "true",
		VarSkipConfigSteps:   "false",
		VarForceConfigUpdate: "true",
		VarBatchSize:         "10",
		VarWaitAfterClear:    "2",
		VarWaitAfterPush:     "0",
		VarMaxFromInventory:  "0",
	}))
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if in.Environment != "prod" || len(in.Devices) != 1 || !in.Blocklist.Contains("00A0BC445566") {
		t.Fatalf("unexpected input: %+v", in)
	}
	if !in.PreservePinnings || in.SkipConfigSteps || !in.ForceConfigUpdate || in.Verbose {
		t.Fatalf("unexpected flags: %+v", in)
	}

	cfg := in.Apply(drift.DefaultConfig())
	if cfg.BatchSize != 10 || cfg.WaitAfterClear != 2*time.Minute || cfg.WaitAfterPush != 0 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.WaitAfterRestart != drift.DefaultOnlineWait {
		t.Fatalf("unset wait should keep default, got %s", cfg.WaitAfterRestart)
	}
	if !cfg.PreservePinnings || cfg.FastRun || !cfg.ForceConfigUpdate {
		t.Fatalf("modes not applied: %+v", cfg)
	}
}

func TestParseWaitMinutesBounds(t *testing.T) {
	testlog.Start(t)

	d, err := ParseWaitMinutes(VarWaitAfterPush, strconv.Itoa(MaxWaitMinutes))
	if err != nil || d == nil || *d != 24*time.Hour {
		t.Fatalf("expected one day at the cap, got %v err=%v", d, err)
	}
	for _, raw := range []string{
		strconv.Itoa(MaxWaitMinutes + 1),
		"153722867280913",
		"9223372036854775807",
		"99999999999999999999",
	} {
		d, err := ParseWaitMinutes(VarWaitAfterPush, raw)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v (%v)", raw, err, d)
		}
	}
}

func TestReadInputRejectsBadValues(t *testing.T) {
	testlog.Start(t)

	for key, value := range map[string]string{
		VarEnvironment:      "staging",
		VarBatchSize:        "0",
		VarWaitAfterRestart: "ten",
		VarVerbose:          "maybe",
		VarMaxFromInventory: "-1",
		VarBlocklist:        "zz",
	} {
		if _, err := ReadInput(mapEnv(map[string]string{key: value})); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s=%q: expected ErrInvalidInput, got %v", key, value, err)
		}
	}

	in, err := ReadInput(mapEnv(nil))
	if err != nil {
		t.Fatalf("empty environment: %v", err)
	}
	if in.Environment != "prod" || len(in.Devices) != 0 || in.BatchSize != 0 {
		t.Fatalf("unexpected defaults: %+v", in)
	}
}

type fakeSource struct {
	rows  []fleet.DeviceInput
	err   error
	calls int
	limit int
}

func (f *fakeSource) QueryDrifted(_ context.Context, limit int) ([]fleet.DeviceInput, error) {
	f.calls++
	f.limit = limit
	return f.rows, f.err
}

func TestAssembleDevicesMergesAndFilters(t *testing.T) {
	testlog.Start(t)

	override := &fleet.Beam{Satellite: 1, Beam: 10, Polarization: fleet.LHCP}
	in := Input{
		Environment:      "prod",
		Devices:          []fleet.DeviceInput{{ID: "00A0BC000001", Goal: override}, {ID: "00A0BC000002"}},
		MaxFromInventory: 5,
	}
	in.Blocklist, _ = ParseBlocklist("00A0BC000002\n00A0BC000004")
	src := &fakeSource{rows: []fleet.DeviceInput{
		{ID: "00A0BC000001", Goal: &fleet.Beam{Satellite: 1, Beam: 99, Polarization: fleet.RHCP}},
		{ID: "00A0BC000003"},
		{ID: "00A0BC000004"},
	}}

	got, err := AssembleDevices(context.Background(), in, src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if src.calls != 1 || src.limit != 5 {
		t.Fatalf("unexpected query: calls=%d limit=%d", src.calls, src.limit)
	}
	if len(got) != 2 || got[0].ID != "00A0BC000001" || got[1].ID != "00A0BC000003" {
		t.Fatalf("unexpected devices: %+v", got)
	}
	if got[0].Goal != override {
		t.Fatalf("operator override must win over the inventory row")
	}
}

func TestAssembleDevicesSkipsInventoryOutsideProd(t *testing.T) {
	testlog.Start(t)

	src := &fakeSource{rows: []fleet.DeviceInput{{ID: "00A0BC000003"}}}
	in := Input{Environment: "preprod", Devices: []fleet.DeviceInput{{ID: "00A0BC000001"}}, MaxFromInventory: 5}
	got, err := AssembleDevices(context.Background(), in, src)
	if err != nil || len(got) != 1 || src.calls != 0 {
		t.Fatalf("expected inventory skipped: got=%+v calls=%d err=%v", got, src.calls, err)
	}

	in.Environment = "prod"
	src.err = fleet.ErrUnavailable
	src.rows = nil
	got, err = AssembleDevices(context.Background(), in, src)
	if err != nil || len(got) != 1 {
		t.Fatalf("failed inventory query should fall back to operator list: got=%+v err=%v", got, err)
	}
}
