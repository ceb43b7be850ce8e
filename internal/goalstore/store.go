package goalstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/canonical/sqlair"
	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidGoal = errors.New("goalstore: invalid goal")
	ErrNotFound    = errors.New("goalstore: not found")
	ErrClosed      = errors.New("goalstore: closed")
)

// TimeLayout is the operator-facing layout accepted by since filters.
const TimeLayout = "2006-01-02 15:04"

const schema = `
CREATE TABLE IF NOT EXISTS goals (
    mac          TEXT PRIMARY KEY,
    satellite    INTEGER NOT NULL,
    beam         INTEGER NOT NULL,
    polarization TEXT NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS will_not_move (
    mac       TEXT PRIMARY KEY,
    satellite INTEGER NOT NULL,
    cross_pol BOOLEAN NOT NULL,
    added     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS fixed_count (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    fixed_by_cwmp_restart INTEGER NOT NULL,
    fixed_by_lkg_update   INTEGER NOT NULL,
    job_finished          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fixed_count_job_finished ON fixed_count (job_finished);
`

type goalRow struct {
	MAC          string    `db:"mac"`
	Satellite    int       `db:"satellite"`
	Beam         int       `db:"beam"`
	Polarization string    `db:"polarization"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type unhelpableRow struct {
	MAC       string    `db:"mac"`
	Satellite int       `db:"satellite"`
	CrossPol  bool      `db:"cross_pol"`
	Added     time.Time `db:"added"`
}

type fixCountRow struct {
	ID             int64     `db:"id"`
	ByAgentRestart int       `db:"fixed_by_cwmp_restart"`
	ByConfigUpdate int       `db:"fixed_by_lkg_update"`
	Finished       time.Time `db:"job_finished"`
}

type macArg struct {
	MAC string `db:"mac"`
}

type sinceArg struct {
	Since time.Time `db:"since"`
}

// GoalRecord is a cached goal.
type GoalRecord struct {
	ID        fleet.DeviceID `yaml:"id" json:"id"`
	Goal      fleet.Beam     `yaml:"goal" json:"goal"`
	UpdatedAt time.Time      `yaml:"updated_at" json:"updated_at"`
}

// UnhelpableFlag marks a device the workflow could not move to its goal.
type UnhelpableFlag struct {
	ID                fleet.DeviceID `yaml:"id" json:"id"`
	Satellite         int            `yaml:"satellite" json:"satellite"`
	CrossPolarization bool           `yaml:"cross_pol" json:"cross_pol"`
	Added             time.Time      `yaml:"added" json:"added"`
}

// FixCount is one run's entry in the fix count ledger.
type FixCount struct {
	ByAgentRestart int       `yaml:"fixed_by_agent_restart" json:"fixed_by_agent_restart"`
	ByConfigUpdate int       `yaml:"fixed_by_config_update" json:"fixed_by_config_update"`
	RecordedAt     time.Time `yaml:"recorded_at" json:"recorded_at"`
}

// DeviceHistory is everything the store knows about one device.
type DeviceHistory struct {
	ID         fleet.DeviceID  `yaml:"id" json:"id"`
	Goal       *GoalRecord     `yaml:"goal,omitempty" json:"goal,omitempty"`
	Unhelpable *UnhelpableFlag `yaml:"unhelpable,omitempty" json:"unhelpable,omitempty"`
}

type statements struct {
	upsertGoal      *sqlair.Statement
	selectGoal      *sqlair.Statement
	insertFlag      *sqlair.Statement
	selectFlag      *sqlair.Statement
	selectFlags     *sqlair.Statement
	insertFixCount  *sqlair.Statement
	selectFixCounts *sqlair.Statement
}

// Store is the SQLite backed goal store. It is safe for concurrent use.
type Store struct {
	plain *sql.DB
	db    *sqlair.DB
	clk   clock.Clock
	stmts statements
}

// Options tunes Open.
type Options struct {
	Clock clock.Clock
	// BusyTimeout is handed to SQLite before it reports the database as locked.
	BusyTimeout time.Duration
}

// Open creates the database file and schema at path when missing.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("goalstore: path is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("goalstore: create dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", path, opts.BusyTimeout.Milliseconds())
	plain, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("goalstore: open %s: %w", path, err)
	}
	plain.SetMaxOpenConns(1)
	if _, err := plain.ExecContext(ctx, schema); err != nil {
		_ = plain.Close()
		return nil, fmt.Errorf("goalstore: create schema: %w", err)
	}

	s := &Store{plain: plain, db: sqlair.NewDB(plain), clk: opts.Clock}
	if err := s.prepare(); err != nil {
		_ = plain.Close()
		return nil, err
	}
	log.Info().Msgf("goalstore.Open path=%q", path)
	return s, nil
}

func (s *Store) prepare() error {
	var err error
	prep := func(query string, samples ...any) *sqlair.Statement {
		if err != nil {
			return nil
		}
		var stmt *sqlair.Statement
		stmt, err = sqlair.Prepare(query, samples...)
		if err != nil {
			err = fmt.Errorf("goalstore: prepare %q: %w", strings.Fields(query)[0], err)
		}
		return stmt
	}

	s.stmts.upsertGoal = prep(`
INSERT INTO goals (mac, satellite, beam, polarization, updated_at)
VALUES ($goalRow.mac, $goalRow.satellite, $goalRow.beam, $goalRow.polarization, $goalRow.updated_at)
ON CONFLICT (mac) DO UPDATE SET
    satellite = excluded.satellite,
    beam = excluded.beam,
    polarization = excluded.polarization,
    updated_at = excluded.updated_at`, goalRow{})
	s.stmts.selectGoal = prep(`
SELECT &goalRow.*
FROM   goals
WHERE  mac = $macArg.mac`, goalRow{}, macArg{})
	s.stmts.insertFlag = prep(`
INSERT INTO will_not_move (mac, satellite, cross_pol, added)
VALUES ($unhelpableRow.mac, $unhelpableRow.satellite, $unhelpableRow.cross_pol, $unhelpableRow.added)
ON CONFLICT (mac) DO NOTHING`, unhelpableRow{})
	s.stmts.selectFlag = prep(`
SELECT &unhelpableRow.*
FROM   will_not_move
WHERE  mac = $macArg.mac`, unhelpableRow{}, macArg{})
	s.stmts.selectFlags = prep(`
SELECT &unhelpableRow.*
FROM   will_not_move
WHERE  added >= $sinceArg.since
ORDER BY added, mac`, unhelpableRow{}, sinceArg{})
	s.stmts.insertFixCount = prep(`
INSERT INTO fixed_count (fixed_by_cwmp_restart, fixed_by_lkg_update, job_finished)
VALUES ($fixCountRow.fixed_by_cwmp_restart, $fixCountRow.fixed_by_lkg_update, $fixCountRow.job_finished)`, fixCountRow{})
	s.stmts.selectFixCounts = prep(`
SELECT &fixCountRow.*
FROM   fixed_count
WHERE  job_finished >= $sinceArg.since
ORDER BY id`, fixCountRow{}, sinceArg{})
	return err
}

func (s *Store) Close() error {
	if s == nil || s.plain == nil {
		return nil
	}
	return s.plain.Close()
}

// UpsertGoal caches goal for id. Last writer wins.
func (s *Store) UpsertGoal(ctx context.Context, id fleet.DeviceID, goal fleet.Beam) error {
	if goal.Satellite <= 0 || goal.Beam <= 0 || !goal.Polarization.Determinate() {
		return fmt.Errorf("%w: %s %s", ErrInvalidGoal, id, goal)
	}
	row := goalRow{
		MAC:          string(id),
		Satellite:    goal.Satellite,
		Beam:         goal.Beam,
		Polarization: string(goal.Polarization),
		UpdatedAt:    s.now(),
	}
	return s.withRetry(ctx, "upsert goal", func() error {
		return s.db.Query(ctx, s.stmts.upsertGoal, row).Run()
	})
}

// Goal returns the cached goal for id, reporting false when none exists.
func (s *Store) Goal(ctx context.Context, id fleet.DeviceID) (fleet.Beam, bool, error) {
	rec, err := s.goalRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return fleet.Beam{}, false, nil
	}
	if err != nil {
		return fleet.Beam{}, false, err
	}
	return rec.Goal, true, nil
}

func (s *Store) goalRecord(ctx context.Context, id fleet.DeviceID) (*GoalRecord, error) {
	var row goalRow
	err := s.withRetry(ctx, "select goal", func() error {
		return s.db.Query(ctx, s.stmts.selectGoal, macArg{MAC: string(id)}).Get(&row)
	})
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, fmt.Errorf("%w: goal for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &GoalRecord{
		ID: id,
		Goal: fleet.Beam{
			Satellite:    row.Satellite,
			Beam:         row.Beam,
			Polarization: fleet.Polarization(row.Polarization),
		},
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

// FlagUnhelpable stores a flag for id unless one already exists. The first
// flag wins and later calls report false.
func (s *Store) FlagUnhelpable(ctx context.Context, id fleet.DeviceID, satellite int, crossPolarization bool) (bool, error) {
	row := unhelpableRow{
		MAC:       string(id),
		Satellite: satellite,
		CrossPol:  crossPolarization,
		Added:     s.now(),
	}
	var added bool
	err := s.withRetry(ctx, "flag unhelpable", func() error {
		var outcome sqlair.Outcome
		if err := s.db.Query(ctx, s.stmts.insertFlag, row).Get(&outcome); err != nil {
			return err
		}
		n, err := outcome.Result().RowsAffected()
		if err != nil {
			return err
		}
		added = n == 1
		return nil
	})
	return added, err
}

// RecordFixCounts appends one ledger row stamped with the current time.
func (s *Store) RecordFixCounts(ctx context.Context, byAgentRestart, byConfigUpdate int) error {
	if byAgentRestart < 0 || byConfigUpdate < 0 {
		return fmt.Errorf("goalstore: negative fix count %d/%d", byAgentRestart, byConfigUpdate)
	}
	row := fixCountRow{ByAgentRestart: byAgentRestart, ByConfigUpdate: byConfigUpdate, Finished: s.now()}
	return s.withRetry(ctx, "record fix counts", func() error {
		return s.db.Query(ctx, s.stmts.insertFixCount, row).Run()
	})
}

// FixCounts lists ledger rows recorded at or after since. A zero since lists all.
func (s *Store) FixCounts(ctx context.Context, since time.Time) ([]FixCount, error) {
	var rows []fixCountRow
	err := s.withRetry(ctx, "select fix counts", func() error {
		return s.db.Query(ctx, s.stmts.selectFixCounts, sinceArg{Since: since.UTC()}).GetAll(&rows)
	})
	if err != nil && !errors.Is(err, sqlair.ErrNoRows) {
		return nil, err
	}
	out := make([]FixCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, FixCount{ByAgentRestart: r.ByAgentRestart, ByConfigUpdate: r.ByConfigUpdate, RecordedAt: r.Finished.UTC()})
	}
	return out, nil
}

// Unhelpable lists flags added at or after since. A zero since lists all.
func (s *Store) Unhelpable(ctx context.Context, since time.Time) ([]UnhelpableFlag, error) {
	var rows []unhelpableRow
	err := s.withRetry(ctx, "select unhelpable", func() error {
		return s.db.Query(ctx, s.stmts.selectFlags, sinceArg{Since: since.UTC()}).GetAll(&rows)
	})
	if err != nil && !errors.Is(err, sqlair.ErrNoRows) {
		return nil, err
	}
	out := make([]UnhelpableFlag, 0, len(rows))
	for _, r := range rows {
		out = append(out, flagFromRow(r))
	}
	return out, nil
}

// History returns the cached goal and unhelpable flag for id.
func (s *Store) History(ctx context.Context, id fleet.DeviceID) (DeviceHistory, error) {
	h := DeviceHistory{ID: id}
	rec, err := s.goalRecord(ctx, id)
	switch {
	case err == nil:
		h.Goal = rec
	case !errors.Is(err, ErrNotFound):
		return h, err
	}

	var row unhelpableRow
	err = s.withRetry(ctx, "select flag", func() error {
		return s.db.Query(ctx, s.stmts.selectFlag, macArg{MAC: string(id)}).Get(&row)
	})
	switch {
	case err == nil:
		flag := flagFromRow(row)
		h.Unhelpable = &flag
	case !errors.Is(err, sqlair.ErrNoRows):
		return h, err
	}
	return h, nil
}

func flagFromRow(r unhelpableRow) UnhelpableFlag {
	return UnhelpableFlag{
		ID:                fleet.DeviceID(r.MAC),
		Satellite:         r.Satellite,
		CrossPolarization: r.CrossPol,
		Added:             r.Added.UTC(),
	}
}

// ParseSince parses an operator supplied since filter. Empty means no filter.
func ParseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(TimeLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("goalstore: since %q must look like %q: %w", raw, TimeLayout, err)
	}
	return t, nil
}

func (s *Store) now() time.Time {
	return s.clk.Now().UTC()
}

// withRetry retries fn while SQLite reports the database busy.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !isErrRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			log.Warn().Msgf("goalstore.Store.%s attempt=%d err=%v", strings.ReplaceAll(op, " ", "_"), attempt, err)
		},
		Attempts:    5,
		Delay:       50 * time.Millisecond,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	if err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return err
		}
		return fmt.Errorf("goalstore: %s: %w", op, err)
	}
	return nil
}

func isErrRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
