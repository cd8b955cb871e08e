package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"trustd/pkg/drift"
	"trustd/pkg/ensemble"
	"trustd/pkg/models"
	"trustd/pkg/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production Store. Profiles are stored one row per
// (user, model kind) so a single corrupt model can be inspected or
// repaired without touching the rest of the set.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, applies pending migrations and returns the
// store.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (p *Postgres) SaveProfileSet(ctx context.Context, ps *ensemble.ProfileSet) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO model_profiles (user_id, kind, version, profile, calibration, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, kind) DO UPDATE
		SET version = EXCLUDED.version,
		    profile = EXCLUDED.profile,
		    calibration = EXCLUDED.calibration,
		    updated_at = now()`
	for kind, profile := range ps.Profiles {
		rawProfile, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("marshal %s profile: %w", kind, err)
		}
		rawCal, err := json.Marshal(ps.Calibrations[kind])
		if err != nil {
			return fmt.Errorf("marshal %s calibration: %w", kind, err)
		}
		if _, err := tx.ExecContext(ctx, q, ps.UserID, string(kind), ps.Version, rawProfile, rawCal); err != nil {
			return fmt.Errorf("upsert %s profile: %w", kind, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) LoadProfileSet(ctx context.Context, userID string) (*ensemble.ProfileSet, error) {
	const q = `
		SELECT kind, version, profile, calibration
		FROM model_profiles
		WHERE user_id = $1`
	rows, err := p.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	ps := &ensemble.ProfileSet{
		UserID:       userID,
		Profiles:     make(map[models.Kind]*models.Profile),
		Calibrations: make(map[models.Kind]ensemble.Calibration),
	}
	for rows.Next() {
		var (
			kind       string
			version    int64
			rawProfile []byte
			rawCal     []byte
		)
		if err := rows.Scan(&kind, &version, &rawProfile, &rawCal); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		var profile models.Profile
		if err := json.Unmarshal(rawProfile, &profile); err != nil {
			return nil, fmt.Errorf("decode %s profile: %w", kind, err)
		}
		var cal ensemble.Calibration
		if err := json.Unmarshal(rawCal, &cal); err != nil {
			return nil, fmt.Errorf("decode %s calibration: %w", kind, err)
		}
		ps.Profiles[models.Kind(kind)] = &profile
		ps.Calibrations[models.Kind(kind)] = cal
		if version > ps.Version {
			ps.Version = version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	if len(ps.Profiles) == 0 {
		return nil, ErrNotFound
	}
	return ps, nil
}

func (p *Postgres) SaveDriftState(ctx context.Context, st *drift.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal drift state: %w", err)
	}
	const q = `
		INSERT INTO drift_states (user_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = now()`
	if _, err := p.db.ExecContext(ctx, q, st.UserID, raw); err != nil {
		return fmt.Errorf("upsert drift state: %w", err)
	}
	return nil
}

func (p *Postgres) LoadDriftState(ctx context.Context, userID string) (*drift.State, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT state FROM drift_states WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query drift state: %w", err)
	}
	var st drift.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode drift state: %w", err)
	}
	return &st, nil
}

func (p *Postgres) AppendDecision(ctx context.Context, ev session.DecisionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	const q = `
		INSERT INTO decision_events
			(id, session_id, user_id, ts, state, reason, aggregate, drift_score, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = p.db.ExecContext(ctx, q,
		ev.ID, ev.SessionID, ev.UserID, ev.Timestamp,
		string(ev.State), string(ev.Reason), ev.Aggregate, ev.DriftScore, payload)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (p *Postgres) Decisions(ctx context.Context, sessionID string, limit int) ([]session.DecisionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT payload FROM decision_events
		WHERE session_id = $1
		ORDER BY ts DESC
		LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []session.DecisionEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var ev session.DecisionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (p *Postgres) Close() error { return p.db.Close() }
