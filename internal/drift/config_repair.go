package drift

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// beamKey groups devices that share a goal beam, and therefore a cached config template.
type beamKey struct {
	Satellite int
	Beam      int
}

func (k beamKey) String() string {
	return fmt.Sprintf("sat %d beam %d", k.Satellite, k.Beam)
}

type beamGroup struct {
	key     beamKey
	devices []*fleet.Device
}

// groupByGoal groups devices by goal beam, ordered by satellite then beam.
func groupByGoal(devices []*fleet.Device) []beamGroup {
	idx := make(map[beamKey]int)
	var groups []beamGroup
	for _, d := range devices {
		k := beamKey{Satellite: d.Goal.Satellite, Beam: d.Goal.Beam}
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, beamGroup{key: k})
		}
		groups[i].devices = append(groups[i].devices, d)
	}
	slices.SortFunc(groups, func(a, b beamGroup) int {
		if c := cmp.Compare(a.key.Satellite, b.key.Satellite); c != 0 {
			return c
		}
		return cmp.Compare(a.key.Beam, b.key.Beam)
	})
	return groups
}

// repairConfig runs steps 8 through 13 over the devices still on the wrong beam.
func (p *Pipeline) repairConfig(ctx context.Context, st *runState, o *Outcome) error {
	var insp ConfigInspection
	err := p.step(StepInspectConfig, o, func() error {
		var err error
		insp, err = p.InspectConfig(ctx, st.wrongAfterRestart)
		o.add(BucketGoalInConfigSamePol, insp.PresentSamePol)
		o.add(BucketGoalInConfigOppPol, insp.PresentOppPol)
		return err
	})
	if err != nil {
		return err
	}

	var donors DonorResult
	err = p.step(StepFetchDonors, o, func() error {
		targets := keep(st.wrongAfterRestart, insp.Missing, insp.Unknown)
		if p.cfg.ForceConfigUpdate {
			targets = st.wrongAfterRestart
		}
		var err error
		donors, err = p.FetchDonorConfigs(ctx, targets)
		o.add(BucketNoDonorConfig, donors.NoDonor)
		return err
	})
	if err != nil {
		return err
	}

	var backedUp []*fleet.Device
	err = p.step(StepBackupConfig, o, func() error {
		ok, failed, err := p.BackupConfig(ctx, donors.Found)
		backedUp = ok
		o.add(BucketBackupFailed, failed)
		return err
	})
	if err != nil {
		return err
	}

	err = p.step(StepPushConfig, o, func() error {
		pushed, failed, err := p.PushConfig(ctx, backedUp, donors.Templates)
		st.pushed = pushed
		o.add(BucketPushFailed, failed)
		return err
	})
	if err != nil {
		return err
	}

	err = p.step(StepReboot, o, func() error {
		if err := p.Reboot(ctx, st.pushed); err != nil {
			return err
		}
		if len(st.pushed) > 0 {
			log.Info().Msgf("drift.Pipeline.reboot settling for %s", p.cfg.RebootSettle)
			return sleep(ctx, p.clk, p.cfg.RebootSettle)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.step(StepWaitAfterReboot, o, func() error {
		res, err := p.wait(ctx, st.pushed, p.cfg.WaitAfterPush)
		st.onlineAfterReboot = res.Online
		o.add(BucketOfflineAfterReboot, res.Offline)
		return err
	})
}

// ConfigInspection is the step 8 partition.
type ConfigInspection struct {
	Missing        []*fleet.Device
	PresentSamePol []*fleet.Device
	PresentOppPol  []*fleet.Device
	Unknown        []*fleet.Device
}

// InspectConfig greps each device's cached config for its goal beam. A device
// that already knows its goal beam yet stayed off it is flagged unhelpable.
func (p *Pipeline) InspectConfig(ctx context.Context, devices []*fleet.Device) (ConfigInspection, error) {
	var res ConfigInspection
	for _, g := range groupByGoal(devices) {
		command := fmt.Sprintf("egrep 'Neighbor_Beam_Id = %d|Beam_Id  = %d' %s", g.key.Beam, g.key.Beam, p.cfg.ConfigPath)
		results, err := p.runCommand(ctx, g.devices, command)
		if err != nil {
			return res, err
		}
		for _, d := range g.devices {
			r, found := results[d.ID]
			if !found {
				res.Unknown = append(res.Unknown, d)
				continue
			}
			primary, neighbor := configBeams(r.Output)
			want := strconv.Itoa(g.key.Beam)
			if !slices.Contains(primary, want) && !slices.Contains(neighbor, want) {
				res.Missing = append(res.Missing, d)
				continue
			}
			opp, err := oppositeBeams(d.Observed.Beam.Beam, d.Goal.Beam)
			if err != nil {
				log.Warn().Msgf("drift.Pipeline.inspectConfig device=%q err=%v", d.ID, err)
				res.Unknown = append(res.Unknown, d)
				continue
			}
			if opp {
				res.PresentOppPol = append(res.PresentOppPol, d)
			} else {
				res.PresentSamePol = append(res.PresentSamePol, d)
			}
			p.flagUnhelpable(ctx, d, opp)
		}
	}
	logDevices("drift.Pipeline.inspectConfig goal beam missing", res.Missing)
	logDevices("drift.Pipeline.inspectConfig goal beam present same pol", res.PresentSamePol)
	logDevices("drift.Pipeline.inspectConfig goal beam present opposite pol", res.PresentOppPol)
	logDevices("drift.Pipeline.inspectConfig unknown", res.Unknown)
	return res, nil
}

// DonorResult is the step 9 partition plus one template per goal beam found.
type DonorResult struct {
	Found     []*fleet.Device
	NoDonor   []*fleet.Device
	Templates map[beamKey][]byte
}

// FetchDonorConfigs pulls one known good cached config per goal beam from a
// device already online on that beam. Beams are fetched concurrently.
func (p *Pipeline) FetchDonorConfigs(ctx context.Context, devices []*fleet.Device) (DonorResult, error) {
	res := DonorResult{Templates: make(map[beamKey][]byte)}
	groups := groupByGoal(devices)
	seeds := make([]int64, len(groups))
	for i := range groups {
		seeds[i] = p.rng.Int63()
	}

	templates := make([][]byte, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.DonorParallelism)
	for i, grp := range groups {
		g.Go(func() error {
			tmpl, err := p.fetchDonor(gctx, grp.key, rand.New(rand.NewSource(seeds[i])))
			if err != nil {
				return err
			}
			templates[i] = tmpl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	for i, grp := range groups {
		if templates[i] == nil {
			log.Warn().Msgf("drift.Pipeline.fetchDonors no donor config for %s", grp.key)
			res.NoDonor = append(res.NoDonor, grp.devices...)
			continue
		}
		res.Templates[grp.key] = templates[i]
	}
	res.Found = keep(devices, flatten(groups, res.Templates))
	return res, nil
}

func flatten(groups []beamGroup, found map[beamKey][]byte) []*fleet.Device {
	var out []*fleet.Device
	for _, g := range groups {
		if _, ok := found[g.key]; ok {
			out = append(out, g.devices...)
		}
	}
	return out
}

func (p *Pipeline) fetchDonor(ctx context.Context, key beamKey, rng *rand.Rand) ([]byte, error) {
	candidates, err := p.dir.OnlineOnBeam(ctx, key.Satellite, key.Beam, p.cfg.DonorAttempts)
	if err != nil {
		if errors.Is(err, fleet.ErrUnavailable) {
			return nil, err
		}
		log.Warn().Msgf("drift.Pipeline.fetchDonor %s list err=%v", key, err)
		return nil, nil
	}
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > p.cfg.DonorAttempts {
		candidates = candidates[:p.cfg.DonorAttempts]
	}
	want := strconv.Itoa(key.Beam)
	for _, donor := range candidates {
		data, err := p.ch.FetchFile(ctx, donor, p.cfg.ConfigPath)
		if err != nil {
			if errors.Is(err, fleet.ErrUnavailable) {
				return nil, err
			}
			log.Debug().Msgf("drift.Pipeline.fetchDonor %s donor=%q err=%v", key, donor, err)
			continue
		}
		primary, _ := configBeams(strings.Split(string(data), "\n"))
		if slices.Contains(primary, want) {
			log.Info().Msgf("drift.Pipeline.fetchDonor %s donor=%q bytes=%d", key, donor, len(data))
			return bytes.Clone(data), nil
		}
	}
	return nil, nil
}

// BackupConfig copies the cached config aside on each device before it is replaced.
func (p *Pipeline) BackupConfig(ctx context.Context, devices []*fleet.Device) ([]*fleet.Device, []*fleet.Device, error) {
	command := fmt.Sprintf("cp %s %s.bk", p.cfg.ConfigPath, p.cfg.ConfigPath)
	results, err := p.runCommand(ctx, devices, command)
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
	logDevices("drift.Pipeline.backupConfig failed", failed)
	return ok, failed, nil
}

// PushConfig writes each goal beam's template to the devices moving there.
func (p *Pipeline) PushConfig(ctx context.Context, devices []*fleet.Device, templates map[beamKey][]byte) ([]*fleet.Device, []*fleet.Device, error) {
	pushed := make(map[*fleet.Device]bool)
	for _, g := range groupByGoal(devices) {
		tmpl, ok := templates[g.key]
		if !ok {
			continue
		}
		for _, batch := range batches(g.devices, p.cfg.BatchSize) {
			res, err := p.ch.PushFile(ctx, fleet.IDs(batch), tmpl, p.cfg.ConfigPath)
			if err != nil {
				if errors.Is(err, fleet.ErrUnavailable) || ctx.Err() != nil {
					return nil, devices, err
				}
				log.Warn().Strs("devices", fleet.Strings(batch)).Msgf("drift.Pipeline.pushConfig %s err=%v", g.key, err)
				continue
			}
			for _, d := range batch {
				if res[d.ID] {
					pushed[d] = true
				}
			}
		}
	}
	var ok, failed []*fleet.Device
	for _, d := range devices {
		if pushed[d] {
			ok = append(ok, d)
		} else {
			failed = append(failed, d)
		}
	}
	logDevices("drift.Pipeline.pushConfig pushed", ok)
	logDevices("drift.Pipeline.pushConfig failed", failed)
	return ok, failed, nil
}

// Reboot reboots every device. Devices whose reboot is not confirmed still
// go through the following wait, since the reboot may have happened anyway.
func (p *Pipeline) Reboot(ctx context.Context, devices []*fleet.Device) error {
	results, err := p.runCommand(ctx, devices, rebootCommand)
	if err != nil {
		return err
	}
	var unconfirmed []*fleet.Device
	for _, d := range devices {
		if !containsLine(results[d.ID].Output, rebootMarker) {
			unconfirmed = append(unconfirmed, d)
		}
	}
	logDevices("drift.Pipeline.reboot unconfirmed", unconfirmed)
	return nil
}

// configBeams returns the values of Beam_Id and Neighbor_Beam_Id lines.
func configBeams(lines []string) (primary, neighbor []string) {
	for _, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Beam_Id":
			primary = append(primary, value)
		case "Neighbor_Beam_Id":
			neighbor = append(neighbor, value)
		}
	}
	return primary, neighbor
}

func containsLine(lines []string, marker string) bool {
	for _, line := range lines {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
