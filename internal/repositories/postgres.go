package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardlink/backend/internal/db"
	"github.com/cardlink/backend/internal/models"
)

// PostgresUserRepository provides PostgreSQL-backed persistence for users.
type PostgresUserRepository struct {
	pool db.Pool
}

// NewPostgresUserRepository constructs a user repository backed by PostgreSQL.
func NewPostgresUserRepository(pool db.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// Create persists a new user record.
func (r *PostgresUserRepository) Create(ctx context.Context, user models.User) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO users (id, email, password_hash, display_name, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, user.ID, user.Email, user.Password, user.DisplayName, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// FindByEmail fetches a user by their email address.
func (r *PostgresUserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.User{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, email, password_hash, display_name, created_at, updated_at
        FROM users
        WHERE email = $1
    `, email)

	var user models.User
	if err := row.Scan(&user.ID, &user.Email, &user.Password, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("select user by email: %w", err)
	}

	return user, nil
}

// Update modifies an existing user record.
func (r *PostgresUserRepository) Update(ctx context.Context, user models.User) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE users
        SET email = $2, password_hash = $3, display_name = $4, updated_at = $5
        WHERE id = $1
    `, user.ID, user.Email, user.Password, user.DisplayName, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("update user: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// PostgresCardRepository provides PostgreSQL-backed persistence for cards.
type PostgresCardRepository struct {
	pool db.Pool
}

// NewPostgresCardRepository constructs a card repository backed by PostgreSQL.
func NewPostgresCardRepository(pool db.Pool) *PostgresCardRepository {
	return &PostgresCardRepository{pool: pool}
}

// Create stores a new card record. Links are serialized as JSONB.
func (r *PostgresCardRepository) Create(ctx context.Context, card models.Card) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	links, err := marshalLinks(card.Links)
	if err != nil {
		return err
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO cards (id, owner_id, display_name, bio, image_key, links, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, card.ID, card.OwnerID, card.DisplayName, card.Bio, card.ImageKey, links, card.CreatedAt, card.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrConflict
			case "23503":
				return ErrNotFound
			}
		}
		return fmt.Errorf("insert card: %w", err)
	}

	return nil
}

// FindByID fetches a card by its identifier.
func (r *PostgresCardRepository) FindByID(ctx context.Context, cardID string) (models.Card, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Card{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, owner_id, display_name, bio, image_key, links, created_at, updated_at
        FROM cards
        WHERE id = $1
    `, cardID)

	return scanCard(row)
}

// ListForOwner returns all cards owned by the provided user.
func (r *PostgresCardRepository) ListForOwner(ctx context.Context, ownerID string) ([]models.Card, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, owner_id, display_name, bio, image_key, links, created_at, updated_at
        FROM cards
        WHERE owner_id = $1
        ORDER BY created_at ASC
    `, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()

	var cards []models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}

	return cards, nil
}

// Update modifies a card. The write is owner-scoped so callers cannot mutate
// cards they do not own.
func (r *PostgresCardRepository) Update(ctx context.Context, card models.Card) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	links, err := marshalLinks(card.Links)
	if err != nil {
		return err
	}

	tag, err := conn.Exec(ctx, `
        UPDATE cards
        SET display_name = $3, bio = $4, image_key = $5, links = $6, updated_at = $7
        WHERE id = $1 AND owner_id = $2
    `, card.ID, card.OwnerID, card.DisplayName, card.Bio, card.ImageKey, links, card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a card owned by the provided user. Ledger entries, exchange
// tokens, and log entries referencing the card are removed by ON DELETE CASCADE.
func (r *PostgresCardRepository) Delete(ctx context.Context, cardID, ownerID string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM cards
        WHERE id = $1 AND owner_id = $2
    `, cardID, ownerID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func marshalLinks(links []models.CardLink) ([]byte, error) {
	if links == nil {
		links = []models.CardLink{}
	}
	data, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("marshal card links: %w", err)
	}
	return data, nil
}

func scanCard(row pgx.Row) (models.Card, error) {
	var (
		card  models.Card
		links []byte
	)

	if err := row.Scan(&card.ID, &card.OwnerID, &card.DisplayName, &card.Bio, &card.ImageKey, &links, &card.CreatedAt, &card.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Card{}, ErrNotFound
		}
		return models.Card{}, fmt.Errorf("scan card: %w", err)
	}

	if len(links) > 0 {
		if err := json.Unmarshal(links, &card.Links); err != nil {
			return models.Card{}, fmt.Errorf("unmarshal card links: %w", err)
		}
	}

	return card, nil
}

var _ UserRepository = (*PostgresUserRepository)(nil)
var _ CardRepository = (*PostgresCardRepository)(nil)
