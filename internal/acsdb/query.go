package acsdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownVariant = errors.New("acsdb: unknown query variant")
	ErrNoRealms       = errors.New("acsdb: no permitted realms")
)

// Variant selects which drift category a query returns.
type Variant int

const (
	// Mismatched rows run on a beam other than their goal beam.
	Mismatched Variant = iota
	// BlankGoal rows report an actual beam but carry no goal beam.
	BlankGoal
	// ClearedGoal rows hold the beam 0 sentinel written by an earlier run.
	ClearedGoal
)

func (v Variant) String() string {
	switch v {
	case Mismatched:
		return "mismatched"
	case BlankGoal:
		return "blank_goal"
	case ClearedGoal:
		return "cleared_goal"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant accepts the names returned by String.
func ParseVariant(raw string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mismatched", "drifted":
		return Mismatched, nil
	case "blank_goal", "blank":
		return BlankGoal, nil
	case "cleared_goal", "cleared":
		return ClearedGoal, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVariant, raw)
}

const columns = "m.cid, ActualSatelliteId, ActualBeamId, ActualBeamPolarization," +
	" PrimarySatelliteId, PrimaryBeamID, PrimaryBeamPolarization," +
	" PrimaryBeamIDPending, PrimaryBeamPolarizationPending," +
	" SoftwareVersion, ActualNspRealm"

const source = "acs_db.vss_Modem m INNER JOIN acs_db.vss_ModemMetaData mmd ON m.cid = mmd.cid"

const (
	// Pending goal beams win over committed ones.
	beamsMismatched = "((PrimaryBeamIDPending IS NULL AND (ActualBeamId <> PrimaryBeamID))" +
		" OR (PrimaryBeamIDPending IS NOT NULL AND (ActualBeamId <> PrimaryBeamIDPending)))"
	polarizationsNotNull = "(ActualBeamPolarization IS NOT NULL" +
		" AND NOT (PrimaryBeamPolarization IS NULL AND PrimaryBeamPolarizationPending IS NULL))"
	// Satellite handovers are left to other tooling.
	notMovingSatellites = "(PrimarySatelliteID = ActualSatelliteId" +
		" OR PrimarySatelliteID = '' OR PrimarySatelliteID IS NULL)"
	blankGoal   = "(ActualBeamId IS NOT NULL) AND (PrimaryBeamID IS NULL)"
	clearedGoal = "(((PrimaryBeamIDPending IS NULL OR PrimaryBeamIDPending = '') AND (0 = PrimaryBeamID))" +
		" OR ((PrimaryBeamIDPending IS NOT NULL AND PrimaryBeamIDPending <> '') AND (0 = PrimaryBeamIDPending)))"
	// Devices check in on their own schedules, so newest first gives a
	// rotating sample without a full random sort.
	newestFirst = "ORDER BY mmd.last_updated DESC"
)

// Query is one inventory lookup. A Limit of zero or less means no limit.
type Query struct {
	Variant Variant
	Realms  []string
	Limit   int
}

// Build renders the statement and its positional arguments.
func (q Query) Build() (string, []any, error) {
	realms := make([]string, 0, len(q.Realms))
	for _, r := range q.Realms {
		if r = strings.TrimSpace(r); r != "" {
			realms = append(realms, r)
		}
	}
	if len(realms) == 0 {
		return "", nil, ErrNoRealms
	}

	var where string
	switch q.Variant {
	case Mismatched:
		where = beamsMismatched + " AND " + polarizationsNotNull + " AND " + notMovingSatellites
	case BlankGoal:
		where = blankGoal
	case ClearedGoal:
		where = clearedGoal + " AND " + polarizationsNotNull
	default:
		return "", nil, fmt.Errorf("%w: %d", ErrUnknownVariant, int(q.Variant))
	}

	args := make([]any, 0, len(realms)+1)
	for _, r := range realms {
		args = append(args, r)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(realms)), ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s AND ActualNspRealm IN (%s)", columns, source, where, placeholders)
	if q.Variant == Mismatched {
		b.WriteString(" ")
		b.WriteString(newestFirst)
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}

// DefaultRealms are the residential realms remediation may touch.
var DefaultRealms = []string{
	"aut.res.viasat.com",
	"abr.res.viasat.com",
	"abp.res.viasat.com",
	"sb2.res.viasat.com",
	"biz.res.viasat.com",
	"com.res.viasat.com",
	"mx1.res.viasat.com",
	"mx2.res.viasat.com",
	"mx3.res.viasat.com",
	"mx4.res.viasat.com",
	"mx7.res.viasat.com",
	"mx8.res.viasat.com",
	"sc1.res.viasat.com",
	"sc2.res.viasat.com",
	"pr1.res.viasat.com",
	"pr2.res.viasat.com",
	"mx6.res.viasat.com",
	"exp.res.viasat.com",
	"ht1.res.viasat.com",
	"q01.res.viasat.com",
	"q02.res.viasat.com",
	"q03.res.viasat.com",
	"q04.res.viasat.com",
	"360.res.viasat.com",
	"cao.res.viasat.com",
	"bra.brres.viasat.com",
	"rw1.brres.viasat.com",
	"rw2.brres.viasat.com",
	"bra.telbr.viasat.com",
	"per.telbr.viasat.com",
	"br1.brcwf.viasat.com",
	"mx5.mxres.viasat.com",
	"mx6.mxres.viasat.com",
	"lte.mxres.viasat.com",
	"hts.xplornet.com",
}
