package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nelssec/ueba/internal/models"
)

// ErrNotFound reports a lookup or status change against a missing row.
var ErrNotFound = errors.New("not found")

// ResolveAnomalyTypeID returns the numeric id for a detector code, creating
// the row with a derived display name on first use. Two runs racing on the
// same new code both observe a single row: the insert defers to the unique
// constraint and the loser re-reads.
func (s *Store) ResolveAnomalyTypeID(ctx context.Context, q sqlx.ExtContext, code string) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT id FROM anomaly_types WHERE code = $1`, code)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("looking up anomaly type %q: %w", code, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO anomaly_types (code, name)
		VALUES ($1, $2)
		ON CONFLICT (code) DO NOTHING
	`, code, titleFromCode(code))
	if err != nil {
		return 0, fmt.Errorf("creating anomaly type %q: %w", code, err)
	}

	if err := sqlx.GetContext(ctx, q, &id, `SELECT id FROM anomaly_types WHERE code = $1`, code); err != nil {
		return 0, fmt.Errorf("re-reading anomaly type %q: %w", code, err)
	}
	return id, nil
}

func (s *Store) ListAnomalyTypes(ctx context.Context) ([]models.AnomalyType, error) {
	var types []models.AnomalyType
	err := s.db.SelectContext(ctx, &types, `SELECT id, code, name FROM anomaly_types ORDER BY id`)
	return types, err
}

// InsertAnomalies batch-inserts detection output. Runs inside the run
// transaction; a failure here rolls the whole run back.
func (s *Store) InsertAnomalies(ctx context.Context, q sqlx.ExtContext, anomalies []models.Anomaly) (int, error) {
	if len(anomalies) == 0 {
		return 0, nil
	}

	stmt := `
		INSERT INTO anomalies (user_id, anomaly_type_id, score, risk, confidence, status, detected_at, evidence_json)
		VALUES (:user_id, :anomaly_type_id, :score, :risk, :confidence, :status, :detected_at, :evidence_json)
	`
	query, args, err := sqlx.Named(stmt, anomalies)
	if err != nil {
		return 0, fmt.Errorf("binding anomaly batch: %w", err)
	}

	if _, err := q.ExecContext(ctx, q.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("inserting anomalies: %w", err)
	}
	return len(anomalies), nil
}

// BumpUserRisk folds one anomaly into the user's risk profile: the risk
// score is a monotonic high-water mark and the count only grows. A single
// UPDATE keeps the fold atomic under concurrent runs.
func (s *Store) BumpUserRisk(ctx context.Context, q sqlx.ExtContext, userID int64, risk float64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE users
		SET risk_score = GREATEST(risk_score, $2),
		    anomaly_count = anomaly_count + 1
		WHERE id = $1
	`, userID, risk)
	if err != nil {
		return fmt.Errorf("bumping risk for user %d: %w", userID, err)
	}
	return nil
}

// CloseAnomaly transitions an anomaly open -> closed. The transition is
// one-way and idempotent; an unknown id reports ErrNotFound.
func (s *Store) CloseAnomaly(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE anomalies SET status = $2 WHERE id = $1
	`, id, models.AnomalyStatusClosed)
	if err != nil {
		return fmt.Errorf("closing anomaly %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing anomaly %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AnomalyView joins an anomaly with its user uid and detector code for
// listing endpoints.
type AnomalyView struct {
	models.Anomaly
	UserUID  string `json:"uid" db:"uid"`
	TypeCode string `json:"type" db:"type_code"`
}

type ListAnomalyFilters struct {
	Status *models.AnomalyStatus
	UserID *int64
	Limit  int
	Offset int
}

func (s *Store) ListAnomalies(ctx context.Context, filters ListAnomalyFilters) ([]AnomalyView, int, error) {
	baseQuery := `
		FROM anomalies a
		JOIN users u ON u.id = a.user_id
		JOIN anomaly_types at ON at.id = a.anomaly_type_id
		WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND a.status = $%d", argIdx)
		args = append(args, *filters.Status)
		argIdx++
	}
	if filters.UserID != nil {
		baseQuery += fmt.Sprintf(" AND a.user_id = $%d", argIdx)
		args = append(args, *filters.UserID)
		argIdx++
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("counting anomalies: %w", err)
	}

	selectQuery := `
		SELECT a.id, a.user_id, a.anomaly_type_id, a.score, a.risk, a.confidence,
		       a.status, a.detected_at, a.evidence_json,
		       u.uid AS uid, at.code AS type_code ` +
		baseQuery + " ORDER BY a.detected_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var views []AnomalyView
	if err := s.db.SelectContext(ctx, &views, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("querying anomalies: %w", err)
	}
	return views, total, nil
}

// TypeCount is an open-anomaly tally for one detector code.
type TypeCount struct {
	Code  string `db:"code"`
	Name  string `db:"name"`
	Count int    `db:"cnt"`
}

// OpenAnomalyCountsByType feeds the dashboard and the PDF risk report.
func (s *Store) OpenAnomalyCountsByType(ctx context.Context) ([]TypeCount, error) {
	var counts []TypeCount
	err := s.db.SelectContext(ctx, &counts, `
		SELECT at.code, at.name, COUNT(a.id) AS cnt
		FROM anomalies a
		JOIN anomaly_types at ON at.id = a.anomaly_type_id
		WHERE a.status = $1
		GROUP BY at.code, at.name
		ORDER BY cnt DESC
	`, models.AnomalyStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("counting open anomalies by type: %w", err)
	}
	return counts, nil
}

// RecentAnomalies returns the newest anomalies for the report snapshot.
func (s *Store) RecentAnomalies(ctx context.Context, since time.Time, limit int) ([]AnomalyView, error) {
	if limit <= 0 {
		limit = 20
	}
	var views []AnomalyView
	err := s.db.SelectContext(ctx, &views, `
		SELECT a.id, a.user_id, a.anomaly_type_id, a.score, a.risk, a.confidence,
		       a.status, a.detected_at, a.evidence_json,
		       u.uid AS uid, at.code AS type_code
		FROM anomalies a
		JOIN users u ON u.id = a.user_id
		JOIN anomaly_types at ON at.id = a.anomaly_type_id
		WHERE a.detected_at >= $1
		ORDER BY a.detected_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent anomalies: %w", err)
	}
	return views, nil
}

func (s *Store) CountAnomalies(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM anomalies`)
	return n, err
}
