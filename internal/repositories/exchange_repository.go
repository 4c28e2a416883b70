package repositories

import (
	"context"
	"time"

	"github.com/cardlink/backend/internal/models"
)

// TokenRepository persists short-lived exchange tokens. A (user, card) pair
// holds at most one live token: Upsert replaces any previous one.
type TokenRepository interface {
	Upsert(ctx context.Context, token models.ExchangeToken) error
	Find(ctx context.Context, token string) (models.ExchangeToken, error)
	Delete(ctx context.Context, token string) error
}

// CollectionEntry pairs a ledger entry with the display data of the card it
// references.
type CollectionEntry struct {
	Exchange models.Exchange
	Card     models.CardSummary
}

// LedgerRepository defines data access for the collection ledger. Create maps
// a unique-constraint violation on (owner_id, card_id) to ErrConflict so the
// reconciliation engine can treat it as an idempotent no-op.
type LedgerRepository interface {
	Create(ctx context.Context, entry models.Exchange) error
	Exists(ctx context.Context, ownerID, cardID string) (bool, error)
	ListForOwner(ctx context.Context, ownerID string) ([]CollectionEntry, error)
	UpdateMeta(ctx context.Context, entryID, ownerID, memo, locationName string, lat, lng *float64) error
	Delete(ctx context.Context, entryID, ownerID string) error
}

// ExchangeLogRepository persists the audit trail of completed QR
// reconciliations feeding the issuer's notification feed.
type ExchangeLogRepository interface {
	Append(ctx context.Context, entry models.ExchangeLog) error
	ListForOwner(ctx context.Context, qrOwnerID string) ([]models.ExchangeLog, error)
	MarkNotified(ctx context.Context, qrOwnerID string) (int64, error)
	Delete(ctx context.Context, entryID, participantID string) error
}

// ProximityRepository persists proximity exchange requests and their
// pending -> accepted | rejected | expired lifecycle.
type ProximityRepository interface {
	Create(ctx context.Context, request models.ProximityRequest) error
	Find(ctx context.Context, requestID string) (models.ProximityRequest, error)
	ListForUser(ctx context.Context, userID string) ([]models.ProximityRequest, error)
	MarkResponded(ctx context.Context, requestID, status string) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}
