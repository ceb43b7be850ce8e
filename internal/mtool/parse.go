package mtool

import (
	"strings"

	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/fleet"
)

const (
	versionMarker = "swVersion:"
	ranMarker     = "ran successfully"
)

// ParseBlocks splits tool output into one result per device. A block starts
// at a line naming the device (colon form) followed by its software version
// line; the status line follows, then the command's own output up to the next
// block. Devices without a block are absent from the result.
func ParseBlocks(lines []string, ids []fleet.DeviceID) map[fleet.DeviceID]drift.CommandResult {
	byColon := make(map[string]fleet.DeviceID, len(ids))
	for _, id := range ids {
		byColon[id.Colon()] = id
	}
	headerAt := func(i int) (fleet.DeviceID, bool) {
		if i+1 >= len(lines) || !strings.Contains(lines[i+1], versionMarker) {
			return "", false
		}
		for colon, id := range byColon {
			if strings.Contains(lines[i], colon) {
				return id, true
			}
		}
		return "", false
	}

	type block struct {
		id    fleet.DeviceID
		start int
	}
	var blocks []block
	for i := 0; i < len(lines); i++ {
		if id, ok := headerAt(i); ok {
			blocks = append(blocks, block{id: id, start: i})
			i++
		}
	}

	out := make(map[fleet.DeviceID]drift.CommandResult, len(blocks))
	for n, b := range blocks {
		end := len(lines)
		if n+1 < len(blocks) {
			end = blocks[n+1].start
		}
		var res drift.CommandResult
		if status := b.start + 2; status < end {
			res.Ran = strings.Contains(lines[status], ranMarker)
		}
		if first := b.start + 3; first < end {
			res.Output = append([]string(nil), lines[first:end]...)
		}
		if prev, seen := out[b.id]; seen && prev.Ran {
			continue
		}
		out[b.id] = res
	}
	return out
}

// putSucceeded reports whether the tool confirmed a file push to id.
func putSucceeded(lines []string, id fleet.DeviceID) bool {
	marker := "Put file succeeded to " + id.Colon() + "."
	for _, line := range lines {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
