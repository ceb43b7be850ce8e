package goalstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/testutil/testlog"
	"github.com/juju/clock/testclock"
)

func openTestStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()
	testlog.Start(t)
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "beam_drift.db"), Options{Clock: clk})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func TestUpsertGoalLastWriterWins(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := fleet.DeviceID("00A0BC112233")

	if _, ok, err := s.Goal(ctx, id); err != nil || ok {
		t.Fatalf("expected no goal, got ok=%t err=%v", ok, err)
	}
	if err := s.UpsertGoal(ctx, id, fleet.Beam{Satellite: 4, Beam: 12, Polarization: fleet.LHCP}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertGoal(ctx, id, fleet.Beam{Satellite: 4, Beam: 13, Polarization: fleet.RHCP}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	goal, ok, err := s.Goal(ctx, id)
	if err != nil || !ok {
		t.Fatalf("goal: ok=%t err=%v", ok, err)
	}
	if goal != (fleet.Beam{Satellite: 4, Beam: 13, Polarization: fleet.RHCP}) {
		t.Fatalf("expected latest goal, got %s", goal)
	}
}

func TestUpsertGoalRejectsIncompleteGoals(t *testing.T) {
	s, _ := openTestStore(t)
	for _, goal := range []fleet.Beam{
		{Satellite: 0, Beam: 12, Polarization: fleet.LHCP},
		{Satellite: 4, Beam: 0, Polarization: fleet.LHCP},
		{Satellite: 4, Beam: 12, Polarization: fleet.NotSet},
	} {
		if err := s.UpsertGoal(context.Background(), "00A0BC112233", goal); !errors.Is(err, ErrInvalidGoal) {
			t.Fatalf("goal %s: expected ErrInvalidGoal, got %v", goal, err)
		}
	}
}

func TestFlagUnhelpableIsSetOnce(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	id := fleet.DeviceID("00A0BC112233")

	added, err := s.FlagUnhelpable(ctx, id, 4, true)
	if err != nil || !added {
		t.Fatalf("first flag: added=%t err=%v", added, err)
	}
	clk.Advance(time.Hour)
	added, err = s.FlagUnhelpable(ctx, id, 5, false)
	if err != nil || added {
		t.Fatalf("second flag: added=%t err=%v", added, err)
	}

	flags, err := s.Unhelpable(ctx, time.Time{})
	if err != nil {
		t.Fatalf("unhelpable: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(flags))
	}
	if flags[0].Satellite != 4 || !flags[0].CrossPolarization {
		t.Fatalf("expected the first flag to win, got %+v", flags[0])
	}
}

func TestFixCountsSinceFilter(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordFixCounts(ctx, 3, 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	clk.Advance(48 * time.Hour)
	if err := s.RecordFixCounts(ctx, 0, 2); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := s.FixCounts(ctx, time.Time{})
	if err != nil {
		t.Fatalf("fix counts: %v", err)
	}
	if len(all) != 2 || all[0].ByAgentRestart != 3 || all[1].ByConfigUpdate != 2 {
		t.Fatalf("unexpected ledger %+v", all)
	}

	since, err := ParseSince("2026-03-02 00:00")
	if err != nil {
		t.Fatalf("parse since: %v", err)
	}
	recent, err := s.FixCounts(ctx, since)
	if err != nil {
		t.Fatalf("fix counts since: %v", err)
	}
	if len(recent) != 1 || recent[0].ByConfigUpdate != 2 {
		t.Fatalf("expected only the later row, got %+v", recent)
	}

	none, err := s.FixCounts(ctx, since.Add(30*24*time.Hour))
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty result, got %+v err=%v", none, err)
	}
}

func TestRecordFixCountsRejectsNegative(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.RecordFixCounts(context.Background(), -1, 0); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHistory(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := fleet.DeviceID("00A0BC112233")

	h, err := s.History(ctx, id)
	if err != nil || h.Goal != nil || h.Unhelpable != nil {
		t.Fatalf("expected empty history, got %+v err=%v", h, err)
	}
	if err := s.UpsertGoal(ctx, id, fleet.Beam{Satellite: 1, Beam: 10, Polarization: fleet.LHCP}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.FlagUnhelpable(ctx, id, 1, false); err != nil {
		t.Fatalf("flag: %v", err)
	}
	h, err = s.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if h.Goal == nil || h.Goal.Goal.Beam != 10 || h.Unhelpable == nil || h.Unhelpable.CrossPolarization {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpsertGoal(ctx, "00A0BC112233", fleet.Beam{Satellite: 1, Beam: 10 + i, Polarization: fleet.LHCP})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, ok, err := s.Goal(ctx, "00A0BC112233"); err != nil || !ok {
		t.Fatalf("goal: ok=%t err=%v", ok, err)
	}
}

func TestParseSince(t *testing.T) {
	if got, err := ParseSince(""); err != nil || !got.IsZero() {
		t.Fatalf("expected zero time, got %s err=%v", got, err)
	}
	if _, err := ParseSince("yesterday"); err == nil {
		t.Fatalf("expected error")
	}
}
