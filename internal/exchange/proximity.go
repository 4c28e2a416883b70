package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

// ProximityStore is the persistence surface for proximity requests.
type ProximityStore interface {
	Create(ctx context.Context, request models.ProximityRequest) error
	Find(ctx context.Context, requestID string) (models.ProximityRequest, error)
	ListForUser(ctx context.Context, userID string) ([]models.ProximityRequest, error)
	MarkResponded(ctx context.Context, requestID, status string) error
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// Proximity actions a receiver may take on a pending request.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// ErrInvalidAction indicates an unsupported respond action.
var ErrInvalidAction = errors.New("invalid proximity action")

// ProximityService implements the request-then-respond confirmation mode. The
// requester plays the credential issuer role; accepting runs the same
// bidirectional commit as a QR redemption before the request row leaves its
// pending state.
type ProximityService struct {
	requests ProximityStore
	cards    CardStore
	engine   *Engine
	ttl      time.Duration

	// NowFunc overrides the time source in tests.
	NowFunc func() time.Time
}

// NewProximityService wires the proximity exchange workflow.
func NewProximityService(requests ProximityStore, cards CardStore, engine *Engine, ttl time.Duration) *ProximityService {
	return &ProximityService{requests: requests, cards: cards, engine: engine, ttl: ttl}
}

// Send creates a pending request offering the requester's card to the receiver.
func (s *ProximityService) Send(ctx context.Context, requesterUserID, receiverUserID, cardID, message string) (models.ProximityRequest, error) {
	if receiverUserID == requesterUserID {
		return models.ProximityRequest{}, ErrSelfExchange
	}

	card, err := s.cards.FindByID(ctx, cardID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.ProximityRequest{}, ErrCardNotFound
		}
		return models.ProximityRequest{}, fmt.Errorf("resolve card: %w", err)
	}
	if card.OwnerID != requesterUserID {
		return models.ProximityRequest{}, ErrNotOwner
	}

	now := s.now()
	request := models.ProximityRequest{
		ID:          uuid.NewString(),
		RequesterID: requesterUserID,
		ReceiverID:  receiverUserID,
		CardID:      cardID,
		Message:     message,
		Status:      models.ProximityPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	if err := s.requests.Create(ctx, request); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.ProximityRequest{}, ErrCardNotFound
		}
		return models.ProximityRequest{}, fmt.Errorf("create proximity request: %w", err)
	}

	return request, nil
}

// Respond lets the receiver accept or reject a pending request. Accepting
// commits the bidirectional exchange first and flips the status afterwards,
// so a crash in between is healed by responding again: the commit is
// idempotent and the conditional status update still finds the row pending.
func (s *ProximityService) Respond(ctx context.Context, requestID, callerUserID, action, responderCardID string, meta Meta) (*Result, models.ProximityRequest, error) {
	request, err := s.requests.Find(ctx, requestID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, models.ProximityRequest{}, ErrInvalidCredential
		}
		return nil, models.ProximityRequest{}, fmt.Errorf("find proximity request: %w", err)
	}

	if request.ReceiverID != callerUserID {
		return nil, models.ProximityRequest{}, ErrNotOwner
	}
	if request.Status != models.ProximityPending {
		return nil, models.ProximityRequest{}, ErrInvalidCredential
	}
	if !s.now().Before(request.ExpiresAt) {
		return nil, models.ProximityRequest{}, ErrExpiredCredential
	}

	switch action {
	case ActionReject:
		if err := s.requests.MarkResponded(ctx, requestID, models.ProximityRejected); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, models.ProximityRequest{}, ErrInvalidCredential
			}
			return nil, models.ProximityRequest{}, fmt.Errorf("reject proximity request: %w", err)
		}
		request.Status = models.ProximityRejected
		return nil, request, nil

	case ActionAccept:
		requesterCard, err := s.cards.FindByID(ctx, request.CardID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, models.ProximityRequest{}, ErrCardNotFound
			}
			return nil, models.ProximityRequest{}, fmt.Errorf("resolve requester card: %w", err)
		}
		if requesterCard.OwnerID != request.RequesterID {
			return nil, models.ProximityRequest{}, ErrInvalidCredential
		}

		result, err := s.engine.Commit(ctx, requesterCard, callerUserID, responderCardID, meta, true)
		if err != nil {
			return nil, models.ProximityRequest{}, err
		}

		if err := s.requests.MarkResponded(ctx, requestID, models.ProximityAccepted); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				// A concurrent responder or the sweeper got there first; the
				// ledger writes were idempotent so nothing is duplicated.
				return nil, models.ProximityRequest{}, ErrInvalidCredential
			}
			return nil, models.ProximityRequest{}, fmt.Errorf("accept proximity request: %w", err)
		}
		request.Status = models.ProximityAccepted
		return &result, request, nil

	default:
		return nil, models.ProximityRequest{}, ErrInvalidAction
	}
}

// List returns the requests involving the user, newest first.
func (s *ProximityService) List(ctx context.Context, userID string) ([]models.ProximityRequest, error) {
	return s.requests.ListForUser(ctx, userID)
}

// ExpireStale sweeps pending requests past their expiry. Safe to run
// concurrently from multiple replicas.
func (s *ProximityService) ExpireStale(ctx context.Context) (int64, error) {
	return s.requests.ExpireStale(ctx, s.now())
}

func (s *ProximityService) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc().UTC()
	}
	return time.Now().UTC()
}
