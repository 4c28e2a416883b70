package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

type fakeProximityStore struct {
	requests map[string]models.ProximityRequest
}

func newFakeProximityStore() *fakeProximityStore {
	return &fakeProximityStore{requests: make(map[string]models.ProximityRequest)}
}

func (s *fakeProximityStore) Create(_ context.Context, request models.ProximityRequest) error {
	s.requests[request.ID] = request
	return nil
}

func (s *fakeProximityStore) Find(_ context.Context, requestID string) (models.ProximityRequest, error) {
	request, ok := s.requests[requestID]
	if !ok {
		return models.ProximityRequest{}, repositories.ErrNotFound
	}
	return request, nil
}

func (s *fakeProximityStore) ListForUser(_ context.Context, userID string) ([]models.ProximityRequest, error) {
	var out []models.ProximityRequest
	for _, request := range s.requests {
		if request.RequesterID == userID || request.ReceiverID == userID {
			out = append(out, request)
		}
	}
	return out, nil
}

func (s *fakeProximityStore) MarkResponded(_ context.Context, requestID, status string) error {
	request, ok := s.requests[requestID]
	if !ok || request.Status != models.ProximityPending {
		return repositories.ErrNotFound
	}
	request.Status = status
	respondedAt := time.Now().UTC()
	request.RespondedAt = &respondedAt
	s.requests[requestID] = request
	return nil
}

func (s *fakeProximityStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	var expired int64
	for id, request := range s.requests {
		if request.Status == models.ProximityPending && !now.Before(request.ExpiresAt) {
			request.Status = models.ProximityExpired
			s.requests[id] = request
			expired++
		}
	}
	return expired, nil
}

type proximityFixture struct {
	service  *ProximityService
	requests *fakeProximityStore
	engine   *engineFixture
}

func newProximityFixture(cards ...models.Card) *proximityFixture {
	fx := newEngineFixture(cards...)
	requests := newFakeProximityStore()
	service := NewProximityService(requests, fx.cards, fx.engine, 30*time.Minute)
	return &proximityFixture{service: service, requests: requests, engine: fx}
}

func TestProximitySendValidation(t *testing.T) {
	aliceCard := newTestCards("alice")
	fx := newProximityFixture(aliceCard)

	if _, err := fx.service.Send(context.Background(), "alice", "alice", aliceCard.ID, ""); !errors.Is(err, ErrSelfExchange) {
		t.Fatalf("expected ErrSelfExchange, got %v", err)
	}

	if _, err := fx.service.Send(context.Background(), "bob", "alice", aliceCard.ID, ""); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if _, err := fx.service.Send(context.Background(), "alice", "bob", "missing", ""); !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}

	request, err := fx.service.Send(context.Background(), "alice", "bob", aliceCard.ID, "hi bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if request.Status != models.ProximityPending || request.Message != "hi bob" {
		t.Fatalf("unexpected request: %+v", request)
	}
	if !request.ExpiresAt.After(request.CreatedAt) {
		t.Fatalf("expected expiry after creation: %+v", request)
	}
}

func TestProximityRespondAccept(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newProximityFixture(aliceCard, bobCard)

	request, err := fx.service.Send(context.Background(), "alice", "bob", aliceCard.ID, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	result, updated, err := fx.service.Respond(context.Background(), request.ID, "bob", ActionAccept, bobCard.ID, Meta{Memo: "met at expo"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if updated.Status != models.ProximityAccepted {
		t.Fatalf("expected accepted status, got %s", updated.Status)
	}
	if result == nil || len(result.Directions) != 2 {
		t.Fatalf("expected bidirectional result, got %+v", result)
	}
	if len(fx.engine.ledger.entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(fx.engine.ledger.entries))
	}

	// A second response finds the request no longer pending.
	if _, _, err := fx.service.Respond(context.Background(), request.ID, "bob", ActionAccept, bobCard.ID, Meta{}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential on replay, got %v", err)
	}
}

func TestProximityRespondReject(t *testing.T) {
	aliceCard := newTestCards("alice")
	fx := newProximityFixture(aliceCard)

	request, err := fx.service.Send(context.Background(), "alice", "bob", aliceCard.ID, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	result, updated, err := fx.service.Respond(context.Background(), request.ID, "bob", ActionReject, "", Meta{})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no exchange result on reject, got %+v", result)
	}
	if updated.Status != models.ProximityRejected {
		t.Fatalf("expected rejected status, got %s", updated.Status)
	}
	if len(fx.engine.ledger.entries) != 0 {
		t.Fatal("expected no ledger writes on reject")
	}
}

func TestProximityRespondGuards(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newProximityFixture(aliceCard, bobCard)

	request, err := fx.service.Send(context.Background(), "alice", "bob", aliceCard.ID, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Only the receiver may respond.
	if _, _, err := fx.service.Respond(context.Background(), request.ID, "carol", ActionAccept, bobCard.ID, Meta{}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	if _, _, err := fx.service.Respond(context.Background(), request.ID, "bob", "maybe", bobCard.ID, Meta{}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}

	if _, _, err := fx.service.Respond(context.Background(), "missing", "bob", ActionAccept, bobCard.ID, Meta{}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for unknown request, got %v", err)
	}

	// An expired request cannot be accepted.
	fx.service.NowFunc = func() time.Time { return time.Now().UTC().Add(31 * time.Minute) }
	if _, _, err := fx.service.Respond(context.Background(), request.ID, "bob", ActionAccept, bobCard.ID, Meta{}); !errors.Is(err, ErrExpiredCredential) {
		t.Fatalf("expected ErrExpiredCredential, got %v", err)
	}
}

func TestProximityExpireStale(t *testing.T) {
	aliceCard := newTestCards("alice")
	fx := newProximityFixture(aliceCard)

	request, err := fx.service.Send(context.Background(), "alice", "bob", aliceCard.ID, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	fx.service.NowFunc = func() time.Time { return time.Now().UTC().Add(31 * time.Minute) }

	expired, err := fx.service.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired request, got %d", expired)
	}

	updated, err := fx.requests.Find(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("find request: %v", err)
	}
	if updated.Status != models.ProximityExpired {
		t.Fatalf("expected expired status, got %s", updated.Status)
	}
}
