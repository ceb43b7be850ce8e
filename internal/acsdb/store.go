package acsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/observability"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

var ErrInvalidConfig = errors.New("acsdb: invalid config")

// Config addresses the inventory database.
type Config struct {
	Addr     string
	Database string
	User     string
	Password string
	Realms   []string
	Timeout  time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.User) == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// DSN renders the driver connection string. The password is included.
func (c Config) DSN() string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = c.Addr
	mc.DBName = c.Database
	if mc.DBName == "" {
		mc.DBName = "acs_db"
	}
	mc.User = c.User
	mc.Passwd = c.Password
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	mc.Timeout = timeout
	mc.ReadTimeout = timeout
	return mc.FormatDSN()
}

// Row is one inventory record as selected by Query. Every column but cid is nullable.
type Row struct {
	CID                 string
	ActualSatellite     sql.NullString
	ActualBeam          sql.NullString
	ActualPolarization  sql.NullString
	GoalSatellite       sql.NullString
	GoalBeam            sql.NullString
	GoalPolarization    sql.NullString
	PendingBeam         sql.NullString
	PendingPolarization sql.NullString
	SoftwareVersion     sql.NullString
	Realm               sql.NullString
}

func (r *Row) scan(rows *sql.Rows) error {
	return rows.Scan(
		&r.CID,
		&r.ActualSatellite, &r.ActualBeam, &r.ActualPolarization,
		&r.GoalSatellite, &r.GoalBeam, &r.GoalPolarization,
		&r.PendingBeam, &r.PendingPolarization,
		&r.SoftwareVersion, &r.Realm,
	)
}

// Input converts the row into job input. The goal is attached only when
// satellite, beam and polarization are all usable; pending values win.
func (r Row) Input() (fleet.DeviceInput, error) {
	id, err := fleet.ParseDeviceID(r.CID)
	if err != nil {
		return fleet.DeviceInput{}, err
	}
	in := fleet.DeviceInput{ID: id}

	sat, okSat := digits(r.GoalSatellite)
	beam, okBeam := digits(pick(r.PendingBeam, r.GoalBeam))
	pol, err := fleet.ParsePolarization(pick(r.PendingPolarization, r.GoalPolarization).String)
	if okSat && okBeam && sat > 0 && beam > 0 && err == nil && pol.Determinate() {
		in.Goal = &fleet.Beam{Satellite: sat, Beam: beam, Polarization: pol}
	}
	return in, nil
}

func pick(pending, committed sql.NullString) sql.NullString {
	if pending.Valid && strings.TrimSpace(pending.String) != "" {
		return pending
	}
	return committed
}

func digits(v sql.NullString) (int, bool) {
	s := strings.TrimSpace(v.String)
	if !v.Valid || s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// Store runs inventory queries over an open database handle.
type Store struct {
	db     *sql.DB
	realms []string
}

// Open connects to the inventory database and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fleet.ErrUnavailable, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: inventory db %s: %v", fleet.ErrUnavailable, cfg.Addr, err)
	}
	log.Info().Msgf("acsdb.Open addr=%q db=%q", cfg.Addr, cfg.Database)
	return NewStore(db, cfg.Realms), nil
}

// NewStore wraps db. Empty realms fall back to DefaultRealms.
func NewStore(db *sql.DB, realms []string) *Store {
	if len(realms) == 0 {
		realms = DefaultRealms
	}
	return &Store{db: db, realms: append([]string(nil), realms...)}
}

// Rows runs one variant and returns the raw records.
func (s *Store) Rows(ctx context.Context, variant Variant, limit int) ([]Row, error) {
	stmt, args, err := Query{Variant: variant, Realms: s.realms, Limit: limit}.Build()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		observability.RecordUpstream("acsdb", "SELECT", variant.String(), 0, time.Since(start), false)
		return nil, fmt.Errorf("acsdb %s query: %w", variant, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := r.scan(rows); err != nil {
			return nil, fmt.Errorf("acsdb %s scan: %w", variant, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("acsdb %s rows: %w", variant, err)
	}
	observability.RecordUpstream("acsdb", "SELECT", variant.String(), 0, time.Since(start), true)
	log.Debug().Msgf("acsdb.Store.Rows variant=%s limit=%d rows=%d", variant, limit, len(out))
	return out, nil
}

// QueryDrifted returns up to limit drifted devices, newest check-in first.
// Rows with an unusable id are skipped.
func (s *Store) QueryDrifted(ctx context.Context, limit int) ([]fleet.DeviceInput, error) {
	rows, err := s.Rows(ctx, Mismatched, limit)
	if err != nil {
		return nil, err
	}
	out := make([]fleet.DeviceInput, 0, len(rows))
	for _, r := range rows {
		in, err := r.Input()
		if err != nil {
			log.Warn().Msgf("acsdb.Store.QueryDrifted skip cid=%q err=%v", r.CID, err)
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
