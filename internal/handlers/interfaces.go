package handlers

import (
	"context"
	"io"

	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

// UserStore captures the persistence operations required by the auth handlers.
type UserStore interface {
	Create(ctx context.Context, user models.User) error
	FindByEmail(ctx context.Context, email string) (models.User, error)
}

// SessionManager issues, refreshes, and resolves authentication tokens.
type SessionManager interface {
	Issue(ctx context.Context, userID string) (models.SessionTokens, error)
	Refresh(ctx context.Context, refreshToken string) (models.SessionTokens, error)
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// CardStore captures operations required by the card handlers.
type CardStore interface {
	Create(ctx context.Context, card models.Card) error
	FindByID(ctx context.Context, cardID string) (models.Card, error)
	ListForOwner(ctx context.Context, ownerID string) ([]models.Card, error)
	Update(ctx context.Context, card models.Card) error
	Delete(ctx context.Context, cardID, ownerID string) error
}

// LedgerStore captures the collection operations exposed over HTTP. The
// reconciliation engine owns the writes that create entries.
type LedgerStore interface {
	ListForOwner(ctx context.Context, ownerID string) ([]repositories.CollectionEntry, error)
	UpdateMeta(ctx context.Context, entryID, ownerID, memo, locationName string, lat, lng *float64) error
	Delete(ctx context.Context, entryID, ownerID string) error
}

// ImageStorage persists card images in the object store.
type ImageStorage interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

// Mailer delivers transactional mail; failures are logged, never fatal.
type Mailer interface {
	Send(to, subject, htmlBody string) error
}
