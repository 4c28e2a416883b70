package exchange

import (
	"context"
	"fmt"

	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

// Feed exposes the issuer-facing view of the exchange log: who redeemed my
// code since I last looked.
type Feed struct {
	logs repositories.ExchangeLogRepository
}

// NewFeed constructs the notification feed over the exchange log.
func NewFeed(logs repositories.ExchangeLogRepository) *Feed {
	return &Feed{logs: logs}
}

// ListFor returns the issuer's log entries and the number of entries that were
// unread before this call. Fetching marks everything read: a second fetch
// reports zero new entries for rows already returned.
func (f *Feed) ListFor(ctx context.Context, issuerUserID string) ([]models.ExchangeLog, int64, error) {
	newCount, err := f.logs.MarkNotified(ctx, issuerUserID)
	if err != nil {
		return nil, 0, fmt.Errorf("mark feed notified: %w", err)
	}

	entries, err := f.logs.ListForOwner(ctx, issuerUserID)
	if err != nil {
		return nil, 0, fmt.Errorf("list feed: %w", err)
	}

	return entries, newCount, nil
}

// Delete removes a log entry on behalf of either participant.
func (f *Feed) Delete(ctx context.Context, entryID, participantID string) error {
	return f.logs.Delete(ctx, entryID, participantID)
}
