package fleet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidDeviceID     = errors.New("fleet: invalid device id")
	ErrInvalidPolarization = errors.New("fleet: invalid polarization")
	// ErrUnavailable marks a collaborator that cannot be reached at all.
	// Callers treat it as fatal for the run rather than as a per-device failure.
	ErrUnavailable = errors.New("fleet: collaborator unavailable")
)

// DeviceID is a 12 hex digit hardware address, uppercase without separators.
type DeviceID string

// ParseDeviceID normalizes raw into a DeviceID. Case and colon separators are ignored.
func ParseDeviceID(raw string) (DeviceID, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.NewReplacer(":", "", "-", "").Replace(v)
	if len(v) != 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, raw)
	}
	for _, r := range v {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, raw)
		}
	}
	return DeviceID(v), nil
}

func (id DeviceID) String() string {
	return string(id)
}

// Colon returns the uppercase colon separated form used by the modem tool.
func (id DeviceID) Colon() string {
	v := string(id)
	if len(v) != 12 {
		return v
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, v[i:i+2])
	}
	return strings.Join(parts, ":")
}

// Polarization is the beam polarization stored in the inventory record.
type Polarization string

const (
	LHCP   Polarization = "LHCP"
	RHCP   Polarization = "RHCP"
	LHCPCo Polarization = "LHCP_CO"
	RHCPCo Polarization = "RHCP_CO"
	NotSet Polarization = "NOT_SET"
)

// ParsePolarization accepts any casing of the five known values.
func ParsePolarization(raw string) (Polarization, error) {
	p := Polarization(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPolarization, raw)
	}
	return p, nil
}

// Valid reports whether p is one of the known values, NOT_SET included.
func (p Polarization) Valid() bool {
	switch p {
	case LHCP, RHCP, LHCPCo, RHCPCo, NotSet:
		return true
	}
	return false
}

// Determinate reports whether p names an actual polarization.
func (p Polarization) Determinate() bool {
	return p.Valid() && p != NotSet
}

// Beam is one satellite beam assignment. Zero fields are unknown.
type Beam struct {
	Satellite    int          `yaml:"satellite" json:"satellite"`
	Beam         int          `yaml:"beam" json:"beam"`
	Polarization Polarization `yaml:"polarization" json:"polarization"`
}

// SameBeam compares satellite and beam id only.
func (b Beam) SameBeam(o Beam) bool {
	return b.Satellite == o.Satellite && b.Beam == o.Beam
}

func (b Beam) String() string {
	return fmt.Sprintf("%s %s %s", orUnknown(b.Satellite), orUnknown(b.Beam), polOrUnknown(b.Polarization))
}

// ObservedState is what the device is actually operating on.
type ObservedState struct {
	Beam      `yaml:",inline"`
	Partition string `yaml:"partition" json:"partition"`
}

// Pinning is the beam assignment currently written in the inventory record.
// Nil fields were absent from the record.
type Pinning struct {
	Satellite       *int         `yaml:"satellite,omitempty" json:"satellite,omitempty"`
	Beam            *int         `yaml:"beam,omitempty" json:"beam,omitempty"`
	Polarization    Polarization `yaml:"polarization,omitempty" json:"polarization,omitempty"`
	SoftwareVersion string       `yaml:"software_version,omitempty" json:"software_version,omitempty"`
}

// Cleared reports whether the pinning holds the beam=0 / NOT_SET sentinel or nothing at all.
func (p Pinning) Cleared() bool {
	beamClear := p.Beam == nil || *p.Beam == 0
	polClear := p.Polarization == "" || p.Polarization == NotSet
	return beamClear && polClear
}

func (p Pinning) String() string {
	return fmt.Sprintf("%s %s %s", ptrOrUnknown(p.Satellite), ptrOrUnknown(p.Beam), polOrUnknown(p.Polarization))
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// DeviceInput is one device handed to a run, with an optional goal override.
type DeviceInput struct {
	ID   DeviceID
	Goal *Beam
}

// Device is the record carried through one remediation run.
type Device struct {
	ID       DeviceID      `yaml:"id" json:"id"`
	Observed ObservedState `yaml:"observed" json:"observed"`
	Goal     Beam          `yaml:"goal" json:"goal"`
	Pinned   Pinning       `yaml:"pinned" json:"pinned"`
	// Override is set when the goal came from job input.
	Override bool `yaml:"override,omitempty" json:"override,omitempty"`
}

// Row renders the device the way operators paste it between tools.
func (d *Device) Row() string {
	sw := d.Pinned.SoftwareVersion
	if sw == "" {
		sw = "<unknown sw>"
	}
	vno := d.Observed.Partition
	if vno == "" {
		vno = "<unknown vno>"
	}
	return fmt.Sprintf("%s (%s -> %s) (pinned to %s) %s %s", d.ID, d.Observed.Beam, d.Goal, d.Pinned, sw, vno)
}

// InputLine renders the device in the job input format.
func (d *Device) InputLine() string {
	return fmt.Sprintf("%s, %s, %s, %s", d.ID, orUnknown(d.Goal.Satellite), orUnknown(d.Goal.Beam), polOrUnknown(d.Goal.Polarization))
}

// IDs returns the device ids in order.
func IDs(devices []*Device) []DeviceID {
	out := make([]DeviceID, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.ID)
	}
	return out
}

// Strings returns the device ids in order as plain strings.
func Strings(devices []*Device) []string {
	out := make([]string, 0, len(devices))
	for _, d := range devices {
		out = append(out, string(d.ID))
	}
	return out
}

func orUnknown(v int) string {
	if v == 0 {
		return "_"
	}
	return strconv.Itoa(v)
}

func ptrOrUnknown(v *int) string {
	if v == nil {
		return "_"
	}
	return strconv.Itoa(*v)
}

func polOrUnknown(p Polarization) string {
	if p == "" {
		return "_"
	}
	return string(p)
}
