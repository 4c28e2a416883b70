package repositories

import (
	"context"

	"github.com/cardlink/backend/internal/models"
)

// CardRepository defines data access for profile cards.
type CardRepository interface {
	Create(ctx context.Context, card models.Card) error
	FindByID(ctx context.Context, cardID string) (models.Card, error)
	ListForOwner(ctx context.Context, ownerID string) ([]models.Card, error)
	Update(ctx context.Context, card models.Card) error
	Delete(ctx context.Context, cardID, ownerID string) error
}
