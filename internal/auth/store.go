package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresPrincipalStore backs the auth service with the principals and
// refresh_tokens tables.
type PostgresPrincipalStore struct {
	db *sqlx.DB
}

func NewPostgresPrincipalStore(db *sqlx.DB) *PostgresPrincipalStore {
	return &PostgresPrincipalStore{db: db}
}

func (s *PostgresPrincipalStore) GetPrincipalByID(ctx context.Context, id string) (*Principal, error) {
	var p Principal
	err := s.db.GetContext(ctx, &p, `SELECT * FROM principals WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal: %w", err)
	}
	return &p, nil
}

func (s *PostgresPrincipalStore) GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error) {
	var p Principal
	err := s.db.GetContext(ctx, &p, `SELECT * FROM principals WHERE email = $1`, email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal: %w", err)
	}
	return &p, nil
}

func (s *PostgresPrincipalStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Role == "" {
		p.Role = RoleViewer
	}
	p.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, email, name, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Email, p.Name, p.Password, p.Role, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating principal: %w", err)
	}
	return nil
}

func (s *PostgresPrincipalStore) StoreRefreshToken(ctx context.Context, principalID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, principal_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), principalID, token, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

func (s *PostgresPrincipalStore) ValidateRefreshToken(ctx context.Context, principalID, token string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM refresh_tokens
		WHERE principal_id = $1 AND token = $2 AND expires_at > NOW() AND revoked_at IS NULL
	`, principalID, token)
	if err != nil {
		return false, fmt.Errorf("validating refresh token: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresPrincipalStore) RevokeRefreshToken(ctx context.Context, principalID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = NOW()
		WHERE principal_id = $1 AND token = $2 AND revoked_at IS NULL
	`, principalID, token)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}
