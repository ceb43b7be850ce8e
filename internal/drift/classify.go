package drift

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/rs/zerolog/log"
)

// Classification is the step 1 partition of the input devices.
// Every input lands in exactly one slice.
type Classification struct {
	Matched        []*fleet.Device
	Drifted        []*fleet.Device
	NoGoal         []*fleet.Device
	CrossSatellite []*fleet.Device
	CheckFailed    []*fleet.Device
}

// Len returns the number of classified devices.
func (c Classification) Len() int {
	return len(c.Matched) + len(c.Drifted) + len(c.NoGoal) + len(c.CrossSatellite) + len(c.CheckFailed)
}

// Classifier resolves each device's goal and compares it with what the device is doing.
type Classifier struct {
	Directory Directory
	Goals     GoalStore
}

type verdict int

const (
	verdictMatched verdict = iota
	verdictDrifted
	verdictNoGoal
	verdictCrossSatellite
	verdictCheckFailed
)

// Classify partitions inputs. Only fleet.ErrUnavailable failures are returned;
// every other lookup failure puts that device in CheckFailed.
func (c *Classifier) Classify(ctx context.Context, inputs []fleet.DeviceInput) (Classification, error) {
	var out Classification
	for _, in := range inputs {
		d, v, err := c.classifyOne(ctx, in)
		if err != nil {
			return out, err
		}
		switch v {
		case verdictMatched:
			out.Matched = append(out.Matched, d)
		case verdictDrifted:
			out.Drifted = append(out.Drifted, d)
		case verdictNoGoal:
			out.NoGoal = append(out.NoGoal, d)
		case verdictCrossSatellite:
			out.CrossSatellite = append(out.CrossSatellite, d)
		default:
			out.CheckFailed = append(out.CheckFailed, d)
		}
	}
	log.Info().Msgf("drift.Classifier.Classify matched=%d drifted=%d no_goal=%d cross_satellite=%d check_failed=%d",
		len(out.Matched), len(out.Drifted), len(out.NoGoal), len(out.CrossSatellite), len(out.CheckFailed))
	return out, nil
}

func (c *Classifier) classifyOne(ctx context.Context, in fleet.DeviceInput) (*fleet.Device, verdict, error) {
	d := &fleet.Device{ID: in.ID}
	if in.Goal != nil {
		d.Goal = *in.Goal
		d.Override = true
	}

	observed, err := c.Directory.ObservedState(ctx, in.ID)
	if err != nil {
		return d, verdictCheckFailed, fatalOnly(fmt.Errorf("observed state %s: %w", in.ID, err))
	}
	d.Observed = observed
	if observed.Satellite == 0 || observed.Beam.Beam == 0 {
		log.Warn().Msgf("drift.Classifier.classify device=%q observed satellite/beam missing", in.ID)
		return d, verdictCheckFailed, nil
	}

	pin, err := c.Directory.Pinning(ctx, in.ID)
	if err != nil {
		return d, verdictCheckFailed, fatalOnly(fmt.Errorf("pinning %s: %w", in.ID, err))
	}
	d.Pinned = pin

	if !d.Override {
		goal, err := c.resolveGoal(ctx, in.ID, observed, pin)
		if err != nil {
			log.Warn().Msgf("drift.Classifier.classify device=%q goal lookup err=%v", in.ID, err)
			return d, verdictCheckFailed, nil
		}
		d.Goal = goal
	}

	switch {
	case d.Goal.Beam == 0 || !d.Goal.Polarization.Determinate():
		return d, verdictNoGoal, nil
	case d.Goal.Satellite != observed.Satellite:
		return d, verdictCrossSatellite, nil
	case d.Goal.SameBeam(observed.Beam):
		return d, verdictMatched, nil
	default:
		return d, verdictDrifted, nil
	}
}

// resolveGoal applies first-non-empty-wins: the cached goal (only when the live
// pinning holds the cleared sentinel), then the live pinning, then the observed
// state. A pinned beam of 0 is the sentinel, not an absent value, so a cleared
// device without a cached goal ends with no goal.
func (c *Classifier) resolveGoal(ctx context.Context, id fleet.DeviceID, observed fleet.ObservedState, pin fleet.Pinning) (fleet.Beam, error) {
	var goal fleet.Beam
	if pin.Beam != nil && *pin.Beam == 0 && c.Goals != nil {
		cached, ok, err := c.Goals.Goal(ctx, id)
		if err != nil {
			return fleet.Beam{}, err
		}
		if ok {
			log.Debug().Msgf("drift.Classifier.resolveGoal device=%q cached goal=%s", id, cached)
			goal = cached
		}
	}
	if goal.Satellite == 0 && pin.Satellite != nil {
		goal.Satellite = *pin.Satellite
	}
	if goal.Satellite == 0 {
		goal.Satellite = observed.Satellite
	}
	if goal.Beam == 0 {
		if pin.Beam != nil {
			goal.Beam = *pin.Beam
		} else {
			goal.Beam = observed.Beam.Beam
		}
	}
	if goal.Polarization == "" {
		goal.Polarization = pin.Polarization
	}
	if goal.Polarization == "" && pin.Beam == nil {
		goal.Polarization = observed.Polarization
	}
	return goal, nil
}

// fatalOnly keeps err when it marks an unreachable collaborator and logs it otherwise.
func fatalOnly(err error) error {
	if errors.Is(err, fleet.ErrUnavailable) {
		return err
	}
	log.Warn().Msgf("drift: %v", err)
	return nil
}
