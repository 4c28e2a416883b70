package repositories

import (
	"context"

	"github.com/cardlink/backend/internal/models"
)

// UserRepository defines data access for user accounts.
type UserRepository interface {
	Create(ctx context.Context, user models.User) error
	FindByEmail(ctx context.Context, email string) (models.User, error)
	Update(ctx context.Context, user models.User) error
}
