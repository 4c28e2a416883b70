package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerIssueAndAuthenticate(t *testing.T) {
	manager := NewManager(time.Minute, time.Hour, NewInMemorySessionStore())

	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", tokens)
	}
	if tokens.AccessToken == tokens.RefreshToken {
		t.Fatal("expected distinct access and refresh tokens")
	}
	if !tokens.RefreshExpiresAt.After(tokens.AccessExpiresAt) {
		t.Fatalf("expected refresh to outlive access: %+v", tokens)
	}

	userID, err := manager.Authenticate(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %s", userID)
	}

	if _, err := manager.Authenticate(context.Background(), "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerIssueRequiresUserID(t *testing.T) {
	manager := NewManager(time.Minute, time.Hour, NewInMemorySessionStore())

	if _, err := manager.Issue(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestManagerRefreshRotatesTokens(t *testing.T) {
	store := NewInMemorySessionStore()
	manager := NewManager(time.Minute, time.Hour, store)

	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rotated, err := manager.Refresh(context.Background(), tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if rotated.RefreshToken == tokens.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	if store.Has(tokens.RefreshToken) {
		t.Fatal("expected old refresh token to be removed")
	}

	// The old access token no longer resolves; the new one does.
	if _, err := manager.Authenticate(context.Background(), tokens.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected old access token to be gone, got %v", err)
	}
	if _, err := manager.Authenticate(context.Background(), rotated.AccessToken); err != nil {
		t.Fatalf("authenticate rotated token: %v", err)
	}

	if _, err := manager.Refresh(context.Background(), tokens.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected reuse of rotated token to fail, got %v", err)
	}
}

func TestManagerRefreshRejectsExpired(t *testing.T) {
	store := NewInMemorySessionStore()
	manager := NewManager(time.Minute, -time.Minute, store)

	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := manager.Refresh(context.Background(), tokens.RefreshToken); !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
	if store.Has(tokens.RefreshToken) {
		t.Fatal("expected expired session to be deleted")
	}
}

func TestManagerAuthenticateRejectsExpiredAccess(t *testing.T) {
	manager := NewManager(-time.Minute, time.Hour, NewInMemorySessionStore())

	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := manager.Authenticate(context.Background(), tokens.AccessToken); !errors.Is(err, ErrAccessTokenExpired) {
		t.Fatalf("expected ErrAccessTokenExpired, got %v", err)
	}
}

func TestManagerRevoke(t *testing.T) {
	store := NewInMemorySessionStore()
	manager := NewManager(time.Minute, time.Hour, store)

	tokens, err := manager.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	manager.Revoke(context.Background(), tokens.RefreshToken)

	if store.Has(tokens.RefreshToken) {
		t.Fatal("expected revoked session to be removed")
	}

	// Revoking an empty or unknown token is a no-op.
	manager.Revoke(context.Background(), "")
	manager.Revoke(context.Background(), "unknown")
}
