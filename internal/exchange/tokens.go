package exchange

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

// TokenRecords is the persistence surface required by the token store.
type TokenRecords interface {
	Upsert(ctx context.Context, token models.ExchangeToken) error
	Find(ctx context.Context, token string) (models.ExchangeToken, error)
	Delete(ctx context.Context, token string) error
}

// CardStore resolves cards by identifier.
type CardStore interface {
	FindByID(ctx context.Context, cardID string) (models.Card, error)
}

// TokenStore issues, validates, and revokes short-lived exchange tokens.
// Validation is read-only: a lookup never consumes the token, and single-use
// enforcement is not this store's job (see the engine's dedup handling).
type TokenStore struct {
	records TokenRecords
	cards   CardStore
	ttl     time.Duration

	// NowFunc overrides the time source in tests.
	NowFunc func() time.Time
}

// NewTokenStore constructs a token store issuing tokens with the provided TTL.
func NewTokenStore(records TokenRecords, cards CardStore, ttl time.Duration) *TokenStore {
	return &TokenStore{records: records, cards: cards, ttl: ttl}
}

// Issue mints a token binding the issuer to one of their cards. A prior
// unexpired token for the same (issuer, card) pair is overwritten so stale QR
// codes stop working the moment a new one is generated.
func (s *TokenStore) Issue(ctx context.Context, issuerUserID, cardID string) (models.ExchangeToken, error) {
	card, err := s.cards.FindByID(ctx, cardID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.ExchangeToken{}, ErrCardNotFound
		}
		return models.ExchangeToken{}, fmt.Errorf("resolve card: %w", err)
	}

	if card.OwnerID != issuerUserID {
		return models.ExchangeToken{}, ErrNotOwner
	}

	value, err := randomToken()
	if err != nil {
		return models.ExchangeToken{}, err
	}

	now := s.now()
	token := models.ExchangeToken{
		Token:     value,
		UserID:    issuerUserID,
		CardID:    cardID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if err := s.records.Upsert(ctx, token); err != nil {
		return models.ExchangeToken{}, fmt.Errorf("store exchange token: %w", err)
	}

	return token, nil
}

// Validate resolves an opaque token to its issuer and card. Unknown tokens
// return ErrInvalidCredential and stale ones ErrExpiredCredential; both are
// ordinary outcomes, never faults.
func (s *TokenStore) Validate(ctx context.Context, token string) (models.ExchangeToken, error) {
	if token == "" {
		return models.ExchangeToken{}, ErrInvalidCredential
	}

	record, err := s.records.Find(ctx, token)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.ExchangeToken{}, ErrInvalidCredential
		}
		return models.ExchangeToken{}, fmt.Errorf("lookup exchange token: %w", err)
	}

	if !s.now().Before(record.ExpiresAt) {
		return models.ExchangeToken{}, ErrExpiredCredential
	}

	return record, nil
}

// Revoke deletes a token. Revoking an unknown token is a no-op.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.records.Delete(ctx, token)
}

func (s *TokenStore) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc().UTC()
	}
	return time.Now().UTC()
}

func randomToken() (string, error) {
	const size = 32
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
