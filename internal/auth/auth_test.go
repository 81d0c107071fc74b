package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// memoryPrincipalStore keeps principals and refresh tokens in maps.
type memoryPrincipalStore struct {
	principals map[string]*Principal
	byEmail    map[string]*Principal
	tokens     map[string]time.Time
	revoked    map[string]bool
}

func newMemoryStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{
		principals: make(map[string]*Principal),
		byEmail:    make(map[string]*Principal),
		tokens:     make(map[string]time.Time),
		revoked:    make(map[string]bool),
	}
}

func (m *memoryPrincipalStore) GetPrincipalByID(ctx context.Context, id string) (*Principal, error) {
	return m.principals[id], nil
}

func (m *memoryPrincipalStore) GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error) {
	return m.byEmail[email], nil
}

func (m *memoryPrincipalStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	m.principals[p.ID] = p
	m.byEmail[p.Email] = p
	return nil
}

func (m *memoryPrincipalStore) StoreRefreshToken(ctx context.Context, principalID, token string, expiresAt time.Time) error {
	m.tokens[principalID+":"+token] = expiresAt
	return nil
}

func (m *memoryPrincipalStore) ValidateRefreshToken(ctx context.Context, principalID, token string) (bool, error) {
	key := principalID + ":" + token
	expires, ok := m.tokens[key]
	return ok && !m.revoked[key] && expires.After(time.Now()), nil
}

func (m *memoryPrincipalStore) RevokeRefreshToken(ctx context.Context, principalID, token string) error {
	m.revoked[principalID+":"+token] = true
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryPrincipalStore) {
	t.Helper()
	store := newMemoryStore()
	svc := NewService(Config{JWTSecret: "test-secret"}, store)

	hash, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	_ = store.CreatePrincipal(context.Background(), &Principal{
		ID:       "p-1",
		Email:    "analyst@example.com",
		Name:     "Analyst",
		Password: hash,
		Role:     RoleAnalyst,
	})

	return svc, store
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("hash equals plaintext")
	}
	if !CheckPassword("hunter2", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tokens, err := svc.Login(ctx, "analyst@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", tokens.TokenType)
	}

	claims, err := svc.ValidateToken(tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.PrincipalID != "p-1" || claims.Role != RoleAnalyst {
		t.Errorf("claims = %+v", claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "analyst@example.com", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "correct-horse"); err != ErrInvalidCredentials {
		t.Errorf("unknown email: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	tokens, err := svc.Login(ctx, "analyst@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rotated, err := svc.RefreshTokens(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens failed: %v", err)
	}
	if rotated.AccessToken == "" {
		t.Fatal("expected a fresh access token")
	}

	// The old refresh token is revoked; a second use must fail.
	if !store.revoked["p-1:"+tokens.RefreshToken] {
		t.Error("old refresh token not revoked")
	}
	if _, err := svc.RefreshTokens(ctx, tokens.RefreshToken); err == nil {
		t.Error("expected reuse of revoked refresh token to fail")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.ValidateToken("not.a.jwt"); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}

	other := NewService(Config{JWTSecret: "other-secret"}, newMemoryStore())
	tokens, err := svc.Login(context.Background(), "analyst@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := other.ValidateToken(tokens.AccessToken); err != ErrInvalidToken {
		t.Errorf("cross-secret validation: err = %v, want ErrInvalidToken", err)
	}
}

func TestMiddlewareAndRoleGate(t *testing.T) {
	svc, _ := newTestService(t)

	tokens, err := svc.Login(context.Background(), "analyst@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		svc.Middleware(ok).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid bearer token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		rec := httptest.NewRecorder()
		svc.Middleware(ok).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("analyst blocked from admin route", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		rec := httptest.NewRecorder()
		svc.Middleware(RequireRole(RoleAdmin)(ok)).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
		if body := strings.TrimSpace(rec.Body.String()); body != ErrForbidden.Error() {
			t.Errorf("body = %q, want %q", body, ErrForbidden.Error())
		}
	})

	t.Run("analyst allowed on analyst route", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		rec := httptest.NewRecorder()
		svc.Middleware(RequireRole(RoleAnalyst)(ok)).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}
