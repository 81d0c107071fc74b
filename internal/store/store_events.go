package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nelssec/ueba/internal/models"
)

// UserCount is a per-user aggregate over the activity log.
type UserCount struct {
	UserID int64 `db:"user_id"`
	Count  int   `db:"cnt"`
}

// LoginEvent is one (timestamp, source IP) observation for the travel rule.
type LoginEvent struct {
	UserID    int64     `db:"user_id"`
	Timestamp time.Time `db:"ts"`
	SourceIP  string    `db:"source_ip"`
}

// InsertEvents bulk-inserts activity log rows. Derived fields (hour,
// is_weekend, is_night) are taken as given; ingestion computes them once.
func (s *Store) InsertEvents(ctx context.Context, events []models.ActivityEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO activity_events (user_id, ts, activity_type_id, source_ip, params_json, hour, is_weekend, is_night)
		VALUES (:user_id, :ts, :activity_type_id, :source_ip, :params_json, :hour, :is_weekend, :is_night)
	`, events)
	if err != nil {
		return 0, fmt.Errorf("inserting activity events: %w", err)
	}
	return len(events), nil
}

// AfterHoursCounts groups events falling outside the inclusive
// [openStart, openEnd] hour band, per user, over the full history.
func (s *Store) AfterHoursCounts(ctx context.Context, q sqlx.ExtContext, openStart, openEnd int) ([]UserCount, error) {
	var counts []UserCount
	err := sqlx.SelectContext(ctx, q, &counts, `
		SELECT user_id, COUNT(id) AS cnt
		FROM activity_events
		WHERE hour < $1 OR hour > $2
		GROUP BY user_id
	`, openStart, openEnd)
	if err != nil {
		return nil, fmt.Errorf("aggregating after-hours counts: %w", err)
	}
	return counts, nil
}

// FailedLoginCounts groups login_failed events in the trailing window,
// keeping only users at or above minCount.
func (s *Store) FailedLoginCounts(ctx context.Context, q sqlx.ExtContext, window time.Duration, minCount int) ([]UserCount, error) {
	cutoff := time.Now().UTC().Add(-window)

	var counts []UserCount
	err := sqlx.SelectContext(ctx, q, &counts, `
		SELECT e.user_id, COUNT(e.id) AS cnt
		FROM activity_events e
		JOIN activity_types at ON at.id = e.activity_type_id
		WHERE at.code = $1 AND e.ts >= $2
		GROUP BY e.user_id
		HAVING COUNT(e.id) >= $3
	`, models.ActivityLoginFailed, cutoff, minCount)
	if err != nil {
		return nil, fmt.Errorf("aggregating failed-login counts: %w", err)
	}
	return counts, nil
}

// RecentLogins returns per-user chronological login_success sequences over
// the trailing window, capped at the maxPerUser most recent events. Order
// within a user is oldest-first so consecutive-pair walks read naturally.
func (s *Store) RecentLogins(ctx context.Context, q sqlx.ExtContext, window time.Duration, maxPerUser int) ([]LoginEvent, error) {
	cutoff := time.Now().UTC().Add(-window)

	var logins []LoginEvent
	err := sqlx.SelectContext(ctx, q, &logins, `
		SELECT user_id, ts, source_ip FROM (
			SELECT e.user_id, e.ts, COALESCE(e.source_ip, '') AS source_ip,
			       ROW_NUMBER() OVER (PARTITION BY e.user_id ORDER BY e.ts DESC) AS rn
			FROM activity_events e
			JOIN activity_types at ON at.id = e.activity_type_id
			WHERE at.code = $1 AND e.ts >= $2
		) ranked
		WHERE rn <= $3
		ORDER BY user_id, ts ASC
	`, models.ActivityLoginSuccess, cutoff, maxPerUser)
	if err != nil {
		return nil, fmt.Errorf("querying recent logins: %w", err)
	}
	return logins, nil
}

// UserFeatures aggregates one feature row per user with any activity in the
// trailing window. Every column is zero-filled; rows are never sparse.
func (s *Store) UserFeatures(ctx context.Context, q sqlx.ExtContext, window time.Duration) ([]models.FeatureRow, error) {
	cutoff := time.Now().UTC().Add(-window)

	var rows []models.FeatureRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT
			e.user_id,
			COALESCE(SUM(CASE WHEN at.code = $1 THEN 1 ELSE 0 END), 0)::float8 AS login_success_count,
			COALESCE(SUM(CASE WHEN at.code = $2 THEN 1 ELSE 0 END), 0)::float8 AS login_failed_count,
			COUNT(e.id)::float8 AS total_events,
			COUNT(DISTINCT e.source_ip)::float8 AS unique_ips_24h,
			COALESCE(SUM(CASE WHEN e.hour < 8 OR e.hour > 18 THEN 1 ELSE 0 END), 0)::float8 AS after_hours_count,
			COALESCE(MAX(CASE WHEN at.code = $1 THEN e.hour END), 0)::float8 AS last_login_hour
		FROM activity_events e
		JOIN activity_types at ON at.id = e.activity_type_id
		WHERE e.ts >= $3
		GROUP BY e.user_id
		ORDER BY e.user_id
	`, models.ActivityLoginSuccess, models.ActivityLoginFailed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("aggregating user features: %w", err)
	}
	return rows, nil
}

func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM activity_events`)
	return n, err
}
