package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cardlink/backend/internal/logging"
	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

// LedgerStore is the persistence surface the engine mutates. Create must map
// a (owner, card) unique-constraint violation to repositories.ErrConflict.
type LedgerStore interface {
	Create(ctx context.Context, entry models.Exchange) error
	Exists(ctx context.Context, ownerID, cardID string) (bool, error)
}

// LogStore appends audit records consumed by the issuer's notification feed.
type LogStore interface {
	Append(ctx context.Context, entry models.ExchangeLog) error
}

// Meta carries the optional memo and location a collector attaches to the
// ledger entry written on their behalf.
type Meta struct {
	Memo         string
	LocationName string
	Latitude     *float64
	Longitude    *float64
}

// Direction describes one half of a committed exchange.
type Direction struct {
	EntryID     string `json:"entryId,omitempty"`
	CollectorID string `json:"collectorId"`
	CardID      string `json:"cardId"`
	Created     bool   `json:"created"`
}

// Result reports what a reconciliation did, plus both cards' display data so
// callers can render a confirmation without a second round trip.
type Result struct {
	Directions    []Direction        `json:"directions"`
	IssuerCard    models.CardSummary `json:"issuerCard"`
	ResponderCard models.CardSummary `json:"responderCard,omitempty"`
}

// Engine is the exchange reconciliation engine. It validates a presented
// credential, guards against self and duplicate exchanges, and commits
// collection ledger entries. Commits are a saga of individually idempotent
// inserts: a crash between the two directions of a bidirectional exchange is
// healed by retrying the same redemption, which completes only the missing half.
type Engine struct {
	cards  CardStore
	ledger LedgerStore
	logs   LogStore
	tokens *TokenStore

	// NowFunc overrides the time source in tests.
	NowFunc func() time.Time
}

// NewEngine wires the reconciliation engine.
func NewEngine(cards CardStore, ledger LedgerStore, logs LogStore, tokens *TokenStore) *Engine {
	return &Engine{cards: cards, ledger: ledger, logs: logs, tokens: tokens}
}

// RedeemQR redeems a QR credential: either the base64url payload scanned from
// a code or the raw opaque token. The exchange is bidirectional and always
// appends an exchange log entry for the issuer's feed, even when every ledger
// direction was deduped. The token is deliberately left live so several
// people can scan one showing of the same code within its validity window.
func (e *Engine) RedeemQR(ctx context.Context, credential, responderUserID, responderCardID string, meta Meta) (Result, error) {
	token, err := e.resolveQRCredential(ctx, credential)
	if err != nil {
		return Result{}, err
	}

	issuerCard, err := e.loadCard(ctx, token.CardID)
	if err != nil {
		return Result{}, err
	}
	if issuerCard.OwnerID != token.UserID {
		// The card changed hands or the token row is stale; either way the
		// credential no longer grants what it claims.
		return Result{}, ErrInvalidCredential
	}

	result, err := e.Commit(ctx, issuerCard, responderUserID, responderCardID, meta, true)
	if err != nil {
		return Result{}, err
	}

	entry := models.ExchangeLog{
		ID:            uuid.NewString(),
		QROwnerID:     issuerCard.OwnerID,
		ScannerID:     responderUserID,
		QRCardID:      issuerCard.ID,
		ScannerCardID: responderCardID,
		Memo:          meta.Memo,
		LocationName:  meta.LocationName,
		Notified:      false,
		CreatedAt:     e.now(),
	}
	if err := e.logs.Append(ctx, entry); err != nil {
		// The ledger is already committed; surface the fault so the client
		// retries, which the dedup checks make safe.
		return Result{}, fmt.Errorf("append exchange log: %w", err)
	}

	logging.FromContext(ctx).Info("qr exchange reconciled",
		"qrOwner", issuerCard.OwnerID, "scanner", responderUserID)

	return result, nil
}

// RedeemLink redeems a share-URL credential parsed by the provided signer.
// The exchange is bidirectional but feeds no notification log: share links
// are handed out deliberately, unlike a QR code shown to strangers.
func (e *Engine) RedeemLink(ctx context.Context, signer *LinkSigner, token, responderUserID, responderCardID string, meta Meta) (Result, error) {
	issuerUserID, issuerCardID, err := signer.Parse(token)
	if err != nil {
		return Result{}, err
	}

	issuerCard, err := e.loadCard(ctx, issuerCardID)
	if err != nil {
		return Result{}, err
	}
	if issuerCard.OwnerID != issuerUserID {
		return Result{}, ErrInvalidCredential
	}

	return e.Commit(ctx, issuerCard, responderUserID, responderCardID, meta, true)
}

// Collect is the single-direction flow: the collector adds the credential's
// card to their collection without giving a card back. Unlike the
// bidirectional flows there is no second direction to fall back on, so a
// duplicate is an explicit ErrAlreadyCollected rather than a silent skip.
func (e *Engine) Collect(ctx context.Context, credential, collectorUserID string, meta Meta) (Result, error) {
	token, err := e.resolveQRCredential(ctx, credential)
	if err != nil {
		return Result{}, err
	}

	issuerCard, err := e.loadCard(ctx, token.CardID)
	if err != nil {
		return Result{}, err
	}
	if issuerCard.OwnerID != token.UserID {
		return Result{}, ErrInvalidCredential
	}
	if issuerCard.OwnerID == collectorUserID {
		return Result{}, ErrSelfExchange
	}

	direction, err := e.insertDirection(ctx, collectorUserID, issuerCard.ID, meta)
	if err != nil {
		return Result{}, err
	}
	if !direction.Created {
		return Result{}, ErrAlreadyCollected
	}

	return Result{
		Directions: []Direction{direction},
		IssuerCard: issuerCard.Summary(),
	}, nil
}

// Commit runs the shared tail of every confirmation mode: it resolves the
// responder's card, rejects self-exchanges, and writes the missing ledger
// directions. Existing directions are skipped silently, which makes the whole
// operation idempotent under retries and double-taps.
func (e *Engine) Commit(ctx context.Context, issuerCard models.Card, responderUserID, responderCardID string, meta Meta, bidirectional bool) (Result, error) {
	responderCard, err := e.loadCard(ctx, responderCardID)
	if err != nil {
		return Result{}, err
	}
	if responderCard.OwnerID != responderUserID {
		return Result{}, ErrNotOwner
	}

	if issuerCard.OwnerID == responderUserID {
		return Result{}, ErrSelfExchange
	}

	// Direction 1: the responder collects the issuer's card, carrying the
	// responder's memo and location.
	first, err := e.insertDirection(ctx, responderUserID, issuerCard.ID, meta)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Directions:    []Direction{first},
		IssuerCard:    issuerCard.Summary(),
		ResponderCard: responderCard.Summary(),
	}

	if !bidirectional {
		return result, nil
	}

	// Direction 2: the issuer collects the responder's card. No memo; the
	// issuer was not present to write one.
	second, err := e.insertDirection(ctx, issuerCard.OwnerID, responderCard.ID, Meta{})
	if err != nil {
		return Result{}, err
	}

	result.Directions = append(result.Directions, second)
	return result, nil
}

// insertDirection writes one ledger direction. A pre-existing entry or a
// concurrent insert losing the unique-constraint race both come back as
// Created=false; the constraint, not locking, is the concurrency mechanism.
func (e *Engine) insertDirection(ctx context.Context, collectorID, cardID string, meta Meta) (Direction, error) {
	exists, err := e.ledger.Exists(ctx, collectorID, cardID)
	if err != nil {
		return Direction{}, fmt.Errorf("check ledger entry: %w", err)
	}
	if exists {
		return Direction{CollectorID: collectorID, CardID: cardID, Created: false}, nil
	}

	entry := models.Exchange{
		ID:           uuid.NewString(),
		OwnerID:      collectorID,
		CardID:       cardID,
		Memo:         meta.Memo,
		LocationName: meta.LocationName,
		Latitude:     meta.Latitude,
		Longitude:    meta.Longitude,
		CreatedAt:    e.now(),
	}

	if err := e.ledger.Create(ctx, entry); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return Direction{CollectorID: collectorID, CardID: cardID, Created: false}, nil
		}
		return Direction{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	return Direction{EntryID: entry.ID, CollectorID: collectorID, CardID: cardID, Created: true}, nil
}

// resolveQRCredential turns either form of QR credential into a validated
// token record. Self-describing payloads get an extra freshness check against
// their embedded issue timestamp before the store is consulted.
func (e *Engine) resolveQRCredential(ctx context.Context, credential string) (models.ExchangeToken, error) {
	if credential == "" {
		return models.ExchangeToken{}, ErrInvalidCredential
	}

	payload, err := DecodeQRPayload(credential)
	if err != nil {
		// Not a payload; treat the credential as the raw opaque token.
		return e.tokens.Validate(ctx, credential)
	}

	if payload.IssuedAt > 0 {
		issuedAt := time.Unix(payload.IssuedAt, 0).UTC()
		if e.now().Sub(issuedAt) > e.tokens.ttl {
			return models.ExchangeToken{}, ErrExpiredCredential
		}
	}

	token, err := e.tokens.Validate(ctx, payload.Token)
	if err != nil {
		return models.ExchangeToken{}, err
	}

	if token.UserID != payload.UserID || token.CardID != payload.CardID {
		return models.ExchangeToken{}, ErrInvalidCredential
	}

	return token, nil
}

func (e *Engine) loadCard(ctx context.Context, cardID string) (models.Card, error) {
	card, err := e.cards.FindByID(ctx, cardID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.Card{}, ErrCardNotFound
		}
		return models.Card{}, fmt.Errorf("resolve card: %w", err)
	}
	return card, nil
}

func (e *Engine) now() time.Time {
	if e.NowFunc != nil {
		return e.NowFunc().UTC()
	}
	return time.Now().UTC()
}
