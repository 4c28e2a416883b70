package exchange

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenStoreIssueRequiresOwnership(t *testing.T) {
	aliceCard := newTestCards("alice")
	store := NewTokenStore(newFakeTokenRecords(), newFakeCardStore(aliceCard), 30*time.Minute)

	if _, err := store.Issue(context.Background(), "bob", aliceCard.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if _, err := store.Issue(context.Background(), "alice", "missing-card"); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}

	token, err := store.Issue(context.Background(), "alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.Token == "" || !token.ExpiresAt.After(token.CreatedAt) {
		t.Fatalf("unexpected token: %+v", token)
	}
}

func TestTokenStoreReissueInvalidatesPrevious(t *testing.T) {
	aliceCard := newTestCards("alice")
	store := NewTokenStore(newFakeTokenRecords(), newFakeCardStore(aliceCard), 30*time.Minute)

	first, err := store.Issue(context.Background(), "alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}

	second, err := store.Issue(context.Background(), "alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	if second.Token == first.Token {
		t.Fatal("expected a fresh token on re-issue")
	}

	if _, err := store.Validate(context.Background(), first.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected stale token to be invalid, got %v", err)
	}
	if _, err := store.Validate(context.Background(), second.Token); err != nil {
		t.Fatalf("validate fresh token: %v", err)
	}
}

func TestTokenStoreValidateExpiry(t *testing.T) {
	aliceCard := newTestCards("alice")
	store := NewTokenStore(newFakeTokenRecords(), newFakeCardStore(aliceCard), 30*time.Minute)

	token, err := store.Issue(context.Background(), "alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	store.NowFunc = func() time.Time { return token.ExpiresAt }

	if _, err := store.Validate(context.Background(), token.Token); !errors.Is(err, ErrExpiredCredential) {
		t.Fatalf("expected ErrExpiredCredential at expiry boundary, got %v", err)
	}

	if _, err := store.Validate(context.Background(), ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for empty token, got %v", err)
	}
}

func TestTokenStoreRevoke(t *testing.T) {
	aliceCard := newTestCards("alice")
	store := NewTokenStore(newFakeTokenRecords(), newFakeCardStore(aliceCard), 30*time.Minute)

	token, err := store.Issue(context.Background(), "alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := store.Revoke(context.Background(), token.Token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Validate(context.Background(), token.Token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected revoked token to be invalid, got %v", err)
	}

	// Revoking unknown or empty tokens is a no-op.
	if err := store.Revoke(context.Background(), "unknown"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}
	if err := store.Revoke(context.Background(), ""); err != nil {
		t.Fatalf("revoke empty: %v", err)
	}
}
