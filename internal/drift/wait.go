package drift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// WaitPolicy bounds one wait-until-online loop.
type WaitPolicy struct {
	Interval    time.Duration
	Timeout     time.Duration
	Stabilize   time.Duration
	Parallelism int
}

// WaitResult partitions the waited-on devices. Both slices keep input order.
type WaitResult struct {
	Online  []*fleet.Device
	Offline []*fleet.Device
	Polls   int
}

// WaitUntilOnline polls every device each interval until all answer or the
// timeout elapses. Devices may flap; membership is recomputed on every poll.
// When any device ends online the loop sleeps policy.Stabilize before returning.
func WaitUntilOnline(ctx context.Context, clk clock.Clock, probe Prober, devices []*fleet.Device, policy WaitPolicy) (WaitResult, error) {
	res := WaitResult{Offline: devices}
	if len(devices) == 0 {
		return res, nil
	}
	if policy.Parallelism <= 0 {
		policy.Parallelism = 1
	}

	online := make([]bool, len(devices))
	start := clk.Now()
	deadline := start.Add(policy.Timeout)
	for clk.Now().Before(deadline) && len(res.Offline) > 0 {
		if err := sleep(ctx, clk, policy.Interval); err != nil {
			return res, err
		}
		res.Polls++

		answered, err := pingAll(ctx, probe, devices, policy.Parallelism)
		if err != nil {
			return res, err
		}
		var came, fell int
		for i := range devices {
			if answered[i] && !online[i] {
				came++
			}
			if !answered[i] && online[i] {
				fell++
			}
			online[i] = answered[i]
		}
		res.Online, res.Offline = split(devices, online)
		log.Info().Msgf("drift.WaitUntilOnline poll=%d elapsed=%s/%s online=%d/%d came_online=%d fell_offline=%d",
			res.Polls, clk.Now().Sub(start).Round(time.Second), policy.Timeout, len(res.Online), len(devices), came, fell)
	}

	if len(res.Offline) > 0 {
		log.Warn().Strs("devices", fleet.Strings(res.Offline)).Msgf("drift.WaitUntilOnline still offline after %s", policy.Timeout)
	}
	if len(res.Online) > 0 {
		log.Info().Msgf("drift.WaitUntilOnline stabilizing for %s", policy.Stabilize)
		if err := sleep(ctx, clk, policy.Stabilize); err != nil {
			return res, err
		}
	}
	return res, nil
}

// pingAll probes every device concurrently; results are indexed like devices.
func pingAll(ctx context.Context, probe Prober, devices []*fleet.Device, parallelism int) ([]bool, error) {
	answered := make([]bool, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, d := range devices {
		g.Go(func() error {
			ok, err := probe.Ping(gctx, d.ID)
			if err != nil {
				if errors.Is(err, fleet.ErrUnavailable) {
					return fmt.Errorf("ping %s: %w", d.ID, err)
				}
				log.Debug().Msgf("drift.pingAll device=%q err=%v", d.ID, err)
				return nil
			}
			answered[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return answered, nil
}

func split(devices []*fleet.Device, online []bool) ([]*fleet.Device, []*fleet.Device) {
	var on, off []*fleet.Device
	for i, d := range devices {
		if online[i] {
			on = append(on, d)
		} else {
			off = append(off, d)
		}
	}
	return on, off
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
