package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cardlink/backend/internal/db"
	"github.com/cardlink/backend/internal/models"
)

// PostgresTokenRepository provides PostgreSQL-backed persistence for exchange tokens.
type PostgresTokenRepository struct {
	pool db.Pool
}

// NewPostgresTokenRepository constructs a token repository backed by PostgreSQL.
func NewPostgresTokenRepository(pool db.Pool) *PostgresTokenRepository {
	return &PostgresTokenRepository{pool: pool}
}

// Upsert stores a token, replacing any live token for the same (user, card) pair
// so a stale QR code cannot linger alongside a fresh one.
func (r *PostgresTokenRepository) Upsert(ctx context.Context, token models.ExchangeToken) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO exchange_tokens (token, user_id, card_id, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, card_id)
        DO UPDATE SET token = EXCLUDED.token, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
    `, token.Token, token.UserID, token.CardID, token.CreatedAt.UTC(), token.ExpiresAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("upsert exchange token: %w", err)
	}

	return nil
}

// Find loads a token row regardless of expiry. Expiry policy lives in the
// token store, not here.
func (r *PostgresTokenRepository) Find(ctx context.Context, token string) (models.ExchangeToken, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.ExchangeToken{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT token, user_id, card_id, created_at, expires_at
        FROM exchange_tokens
        WHERE token = $1
    `, token)

	var t models.ExchangeToken
	if err := row.Scan(&t.Token, &t.UserID, &t.CardID, &t.CreatedAt, &t.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ExchangeToken{}, ErrNotFound
		}
		return models.ExchangeToken{}, fmt.Errorf("select exchange token: %w", err)
	}

	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return t, nil
}

// Delete removes a token. Deleting an unknown token is not an error.
func (r *PostgresTokenRepository) Delete(ctx context.Context, token string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `DELETE FROM exchange_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("delete exchange token: %w", err)
	}

	return nil
}

// PostgresLedgerRepository provides PostgreSQL-backed persistence for the
// collection ledger.
type PostgresLedgerRepository struct {
	pool db.Pool
}

// NewPostgresLedgerRepository constructs a ledger repository backed by PostgreSQL.
func NewPostgresLedgerRepository(pool db.Pool) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{pool: pool}
}

// Create inserts a ledger entry. The unique constraint on (owner_id, card_id)
// is the concurrency-safety mechanism for duplicate collections: a violation
// surfaces as ErrConflict and callers decide whether that is a no-op or an error.
func (r *PostgresLedgerRepository) Create(ctx context.Context, entry models.Exchange) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO exchanges (id, owner_id, card_id, memo, location_name, latitude, longitude, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, entry.ID, entry.OwnerID, entry.CardID, entry.Memo, entry.LocationName, entry.Latitude, entry.Longitude, entry.CreatedAt)
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
		return fmt.Errorf("insert exchange: %w", err)
	}

	return nil
}

// Exists reports whether the owner already collected the card.
func (r *PostgresLedgerRepository) Exists(ctx context.Context, ownerID, cardID string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	row := conn.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM exchanges WHERE owner_id = $1 AND card_id = $2)
    `, ownerID, cardID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check exchange exists: %w", err)
	}

	return exists, nil
}

// ListForOwner returns the owner's collection in reverse chronological order,
// joined with the display data of each collected card.
func (r *PostgresLedgerRepository) ListForOwner(ctx context.Context, ownerID string) ([]CollectionEntry, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT e.id, e.owner_id, e.card_id, e.memo, e.location_name, e.latitude, e.longitude, e.created_at,
               c.owner_id, c.display_name, c.bio, c.image_key
        FROM exchanges e
        JOIN cards c ON c.id = e.card_id
        WHERE e.owner_id = $1
        ORDER BY e.created_at DESC
    `, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	defer rows.Close()

	var entries []CollectionEntry
	for rows.Next() {
		var (
			entry    CollectionEntry
			lat, lng sql.NullFloat64
		)

		if err := rows.Scan(
			&entry.Exchange.ID, &entry.Exchange.OwnerID, &entry.Exchange.CardID,
			&entry.Exchange.Memo, &entry.Exchange.LocationName, &lat, &lng, &entry.Exchange.CreatedAt,
			&entry.Card.OwnerID, &entry.Card.DisplayName, &entry.Card.Bio, &entry.Card.ImageKey,
		); err != nil {
			return nil, fmt.Errorf("scan collection entry: %w", err)
		}

		entry.Card.ID = entry.Exchange.CardID
		if lat.Valid {
			v := lat.Float64
			entry.Exchange.Latitude = &v
		}
		if lng.Valid {
			v := lng.Float64
			entry.Exchange.Longitude = &v
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection: %w", err)
	}

	return entries, nil
}

// UpdateMeta edits the memo and location metadata on a ledger entry. The write
// is owner-scoped.
func (r *PostgresLedgerRepository) UpdateMeta(ctx context.Context, entryID, ownerID, memo, locationName string, lat, lng *float64) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE exchanges
        SET memo = $3, location_name = $4, latitude = $5, longitude = $6
        WHERE id = $1 AND owner_id = $2
    `, entryID, ownerID, memo, locationName, lat, lng)
	if err != nil {
		return fmt.Errorf("update exchange meta: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a ledger entry owned by the provided user.
func (r *PostgresLedgerRepository) Delete(ctx context.Context, entryID, ownerID string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM exchanges
        WHERE id = $1 AND owner_id = $2
    `, entryID, ownerID)
	if err != nil {
		return fmt.Errorf("delete exchange: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// PostgresExchangeLogRepository provides PostgreSQL-backed persistence for the
// QR exchange audit log.
type PostgresExchangeLogRepository struct {
	pool db.Pool
}

// NewPostgresExchangeLogRepository constructs an exchange log repository backed by PostgreSQL.
func NewPostgresExchangeLogRepository(pool db.Pool) *PostgresExchangeLogRepository {
	return &PostgresExchangeLogRepository{pool: pool}
}

// Append records a completed reconciliation.
func (r *PostgresExchangeLogRepository) Append(ctx context.Context, entry models.ExchangeLog) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO exchange_logs (id, qr_owner_id, scanner_id, qr_card_id, scanner_card_id, memo, location_name, notified, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, entry.ID, entry.QROwnerID, entry.ScannerID, entry.QRCardID, entry.ScannerCardID, entry.Memo, entry.LocationName, entry.Notified, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("insert exchange log: %w", err)
	}

	return nil
}

// ListForOwner returns the issuer's log entries in reverse chronological order.
func (r *PostgresExchangeLogRepository) ListForOwner(ctx context.Context, qrOwnerID string) ([]models.ExchangeLog, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, qr_owner_id, scanner_id, qr_card_id, scanner_card_id, memo, location_name, notified, created_at
        FROM exchange_logs
        WHERE qr_owner_id = $1
        ORDER BY created_at DESC
    `, qrOwnerID)
	if err != nil {
		return nil, fmt.Errorf("query exchange logs: %w", err)
	}
	defer rows.Close()

	var entries []models.ExchangeLog
	for rows.Next() {
		var entry models.ExchangeLog
		if err := rows.Scan(&entry.ID, &entry.QROwnerID, &entry.ScannerID, &entry.QRCardID, &entry.ScannerCardID, &entry.Memo, &entry.LocationName, &entry.Notified, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange log: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchange logs: %w", err)
	}

	return entries, nil
}

// MarkNotified flips unread entries for the issuer and reports how many were
// flipped. Running it twice in a row returns zero the second time.
func (r *PostgresExchangeLogRepository) MarkNotified(ctx context.Context, qrOwnerID string) (int64, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE exchange_logs
        SET notified = TRUE
        WHERE qr_owner_id = $1 AND notified = FALSE
    `, qrOwnerID)
	if err != nil {
		return 0, fmt.Errorf("mark exchange logs notified: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Delete removes a log entry. Either participant may delete it.
func (r *PostgresExchangeLogRepository) Delete(ctx context.Context, entryID, participantID string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM exchange_logs
        WHERE id = $1 AND (qr_owner_id = $2 OR scanner_id = $2)
    `, entryID, participantID)
	if err != nil {
		return fmt.Errorf("delete exchange log: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// PostgresProximityRepository provides PostgreSQL-backed persistence for
// proximity exchange requests.
type PostgresProximityRepository struct {
	pool db.Pool
}

// NewPostgresProximityRepository constructs a proximity repository backed by PostgreSQL.
func NewPostgresProximityRepository(pool db.Pool) *PostgresProximityRepository {
	return &PostgresProximityRepository{pool: pool}
}

// Create persists a new pending proximity request.
func (r *PostgresProximityRepository) Create(ctx context.Context, request models.ProximityRequest) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO proximity_requests (id, requester_id, receiver_id, card_id, message, status, created_at, expires_at, responded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, request.ID, request.RequesterID, request.ReceiverID, request.CardID, request.Message, request.Status, request.CreatedAt, request.ExpiresAt, request.RespondedAt)
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
		return fmt.Errorf("insert proximity request: %w", err)
	}

	return nil
}

// Find loads a proximity request by id.
func (r *PostgresProximityRepository) Find(ctx context.Context, requestID string) (models.ProximityRequest, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.ProximityRequest{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, requester_id, receiver_id, card_id, message, status, created_at, expires_at, responded_at
        FROM proximity_requests
        WHERE id = $1
    `, requestID)

	return scanProximityRequest(row)
}

// ListForUser returns requests where the user is requester or receiver.
func (r *PostgresProximityRepository) ListForUser(ctx context.Context, userID string) ([]models.ProximityRequest, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, requester_id, receiver_id, card_id, message, status, created_at, expires_at, responded_at
        FROM proximity_requests
        WHERE requester_id = $1 OR receiver_id = $1
        ORDER BY created_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("query proximity requests: %w", err)
	}
	defer rows.Close()

	var requests []models.ProximityRequest
	for rows.Next() {
		request, err := scanProximityRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proximity requests: %w", err)
	}

	return requests, nil
}

// MarkResponded transitions a request out of pending. The update is
// conditional on the row still being pending and unexpired, which makes the
// transition single-use under concurrent responders.
func (r *PostgresProximityRepository) MarkResponded(ctx context.Context, requestID, status string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE proximity_requests
        SET status = $2, responded_at = $3
        WHERE id = $1 AND status = 'pending' AND expires_at > $3
    `, requestID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update proximity request status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ExpireStale transitions pending requests past their expiry to expired. The
// sweep is a single conditional UPDATE, so concurrent sweeps are harmless.
func (r *PostgresProximityRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE proximity_requests
        SET status = 'expired'
        WHERE status = 'pending' AND expires_at <= $1
    `, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire proximity requests: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanProximityRequest(row pgx.Row) (models.ProximityRequest, error) {
	var (
		request     models.ProximityRequest
		respondedAt sql.NullTime
	)

	if err := row.Scan(&request.ID, &request.RequesterID, &request.ReceiverID, &request.CardID, &request.Message, &request.Status, &request.CreatedAt, &request.ExpiresAt, &respondedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ProximityRequest{}, ErrNotFound
		}
		return models.ProximityRequest{}, fmt.Errorf("scan proximity request: %w", err)
	}

	if respondedAt.Valid {
		t := respondedAt.Time.UTC()
		request.RespondedAt = &t
	}

	return request, nil
}

var _ TokenRepository = (*PostgresTokenRepository)(nil)
var _ LedgerRepository = (*PostgresLedgerRepository)(nil)
var _ ExchangeLogRepository = (*PostgresExchangeLogRepository)(nil)
var _ ProximityRepository = (*PostgresProximityRepository)(nil)
