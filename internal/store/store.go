package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nelssec/ueba/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic. Detection runs use this as their single commit boundary.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// titleFromCode derives a display name from a snake_case code,
// e.g. "after_hours" -> "After Hours".
func titleFromCode(code string) string {
	parts := strings.Split(code, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// ResolveActivityTypeID returns the numeric id for an activity code,
// creating the row on first use. Safe under concurrent callers: the insert
// relies on the unique constraint and re-reads on conflict.
func (s *Store) ResolveActivityTypeID(ctx context.Context, q sqlx.ExtContext, code string) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT id FROM activity_types WHERE code = $1`, code)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("looking up activity type %q: %w", code, err)
	}

	err = sqlx.GetContext(ctx, q, &id, `
		INSERT INTO activity_types (code, name)
		VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET name = activity_types.name
		RETURNING id
	`, code, titleFromCode(code))
	if err != nil {
		return 0, fmt.Errorf("creating activity type %q: %w", code, err)
	}
	return id, nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *Store) GetUserByUID(ctx context.Context, uid string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE uid = $1`, uid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// UpsertUserByUID creates a user on first sight of an unknown external id
// and returns the existing row otherwise. Idempotent under concurrent
// ingestion of the same uid.
func (s *Store) UpsertUserByUID(ctx context.Context, uid, username, email string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `
		INSERT INTO users (uid, username, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (uid) DO UPDATE SET uid = EXCLUDED.uid
		RETURNING *
	`, uid, username, email)
	if err != nil {
		return nil, fmt.Errorf("upserting user %q: %w", uid, err)
	}
	return &u, nil
}

// TopUsersByRisk returns the risk leaderboard for the dashboard.
func (s *Store) TopUsersByRisk(ctx context.Context, limit int, minRisk float64) ([]models.User, error) {
	if limit <= 0 {
		limit = 100
	}
	var users []models.User
	err := s.db.SelectContext(ctx, &users, `
		SELECT * FROM users
		WHERE risk_score >= $1
		ORDER BY risk_score DESC, anomaly_count DESC
		LIMIT $2
	`, minRisk, limit)
	return users, err
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}
