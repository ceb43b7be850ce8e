package jobs

import (
	"context"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/rs/zerolog/log"
)

// DriftSource lists drifted devices from the inventory database.
type DriftSource interface {
	QueryDrifted(ctx context.Context, limit int) ([]fleet.DeviceInput, error)
}

// AssembleDevices merges the operator list with up to MaxFromInventory
// inventory rows, operator entries winning, then drops blocklisted ids.
// The inventory is only consulted in prod; a failed query is logged and
// the run continues with the operator list.
func AssembleDevices(ctx context.Context, in Input, src DriftSource) ([]fleet.DeviceInput, error) {
	out := append([]fleet.DeviceInput(nil), in.Devices...)

	if in.MaxFromInventory > 0 {
		switch {
		case in.Environment != "prod":
			log.Info().Msgf("jobs.AssembleDevices inventory query skipped environment=%q", in.Environment)
		case src == nil:
			log.Warn().Msgf("jobs.AssembleDevices inventory query skipped: no inventory connection")
		default:
			found, err := src.QueryDrifted(ctx, in.MaxFromInventory)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				log.Warn().Msgf("jobs.AssembleDevices inventory query failed err=%v", err)
			}
			seen := make(map[fleet.DeviceID]bool, len(out))
			for _, d := range out {
				seen[d.ID] = true
			}
			added := 0
			for _, d := range found {
				if seen[d.ID] {
					continue
				}
				seen[d.ID] = true
				out = append(out, d)
				added++
			}
			log.Info().Msgf("jobs.AssembleDevices inventory rows=%d added=%d", len(found), added)
		}
	}

	if in.Blocklist == nil || in.Blocklist.IsEmpty() {
		return out, nil
	}
	kept := out[:0]
	for _, d := range out {
		if in.Blocklist.Contains(d.ID.String()) {
			log.Info().Msgf("jobs.AssembleDevices blocklisted device=%q", d.ID)
			continue
		}
		kept = append(kept, d)
	}
	return kept, nil
}
