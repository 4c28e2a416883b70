package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cardlink/backend/internal/auth"
	"github.com/cardlink/backend/internal/exchange"
	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

type inMemoryTokenRecords struct {
	byToken map[string]models.ExchangeToken
}

func newInMemoryTokenRecords() *inMemoryTokenRecords {
	return &inMemoryTokenRecords{byToken: make(map[string]models.ExchangeToken)}
}

func (s *inMemoryTokenRecords) Upsert(_ context.Context, token models.ExchangeToken) error {
	for existing, record := range s.byToken {
		if record.UserID == token.UserID && record.CardID == token.CardID {
			delete(s.byToken, existing)
		}
	}
	s.byToken[token.Token] = token
	return nil
}

func (s *inMemoryTokenRecords) Find(_ context.Context, token string) (models.ExchangeToken, error) {
	record, ok := s.byToken[token]
	if !ok {
		return models.ExchangeToken{}, repositories.ErrNotFound
	}
	return record, nil
}

func (s *inMemoryTokenRecords) Delete(_ context.Context, token string) error {
	delete(s.byToken, token)
	return nil
}

// inMemoryLedger backs both the engine's writes and the collection endpoints.
type inMemoryLedger struct {
	entries map[string]models.Exchange
	cards   *inMemoryCardStore
}

func newInMemoryLedger(cards *inMemoryCardStore) *inMemoryLedger {
	return &inMemoryLedger{entries: make(map[string]models.Exchange), cards: cards}
}

func (s *inMemoryLedger) key(ownerID, cardID string) string {
	return fmt.Sprintf("%s|%s", ownerID, cardID)
}

func (s *inMemoryLedger) Create(_ context.Context, entry models.Exchange) error {
	key := s.key(entry.OwnerID, entry.CardID)
	for _, existing := range s.entries {
		if s.key(existing.OwnerID, existing.CardID) == key {
			return repositories.ErrConflict
		}
	}
	s.entries[entry.ID] = entry
	return nil
}

func (s *inMemoryLedger) Exists(_ context.Context, ownerID, cardID string) (bool, error) {
	for _, entry := range s.entries {
		if entry.OwnerID == ownerID && entry.CardID == cardID {
			return true, nil
		}
	}
	return false, nil
}

func (s *inMemoryLedger) ListForOwner(ctx context.Context, ownerID string) ([]repositories.CollectionEntry, error) {
	var out []repositories.CollectionEntry
	for _, entry := range s.entries {
		if entry.OwnerID != ownerID {
			continue
		}
		card, err := s.cards.FindByID(ctx, entry.CardID)
		if err != nil {
			return nil, err
		}
		out = append(out, repositories.CollectionEntry{Exchange: entry, Card: card.Summary()})
	}
	return out, nil
}

func (s *inMemoryLedger) UpdateMeta(_ context.Context, entryID, ownerID, memo, locationName string, lat, lng *float64) error {
	entry, ok := s.entries[entryID]
	if !ok || entry.OwnerID != ownerID {
		return repositories.ErrNotFound
	}
	entry.Memo = memo
	entry.LocationName = locationName
	entry.Latitude = lat
	entry.Longitude = lng
	s.entries[entryID] = entry
	return nil
}

func (s *inMemoryLedger) Delete(_ context.Context, entryID, ownerID string) error {
	entry, ok := s.entries[entryID]
	if !ok || entry.OwnerID != ownerID {
		return repositories.ErrNotFound
	}
	delete(s.entries, entryID)
	return nil
}

type discardLogs struct{}

func (discardLogs) Append(context.Context, models.ExchangeLog) error { return nil }

type exchangeHarness struct {
	handler  ExchangeHandler
	sessions *auth.Manager
	cards    *inMemoryCardStore
	ledger   *inMemoryLedger
}

func newExchangeHarness(cards ...models.Card) *exchangeHarness {
	cardStore := newInMemoryCardStore(cards...)
	ledger := newInMemoryLedger(cardStore)
	tokens := exchange.NewTokenStore(newInMemoryTokenRecords(), cardStore, 30*time.Minute)
	engine := exchange.NewEngine(cardStore, ledger, discardLogs{}, tokens)
	signer := exchange.NewLinkSigner("test-secret", 24*time.Hour, "https://cardlink.test/e")
	sessions := newTestSessionManager()

	return &exchangeHarness{
		handler: ExchangeHandler{
			Sessions: sessions,
			Cards:    cardStore,
			Tokens:   tokens,
			Engine:   engine,
			Links:    signer,
		},
		sessions: sessions,
		cards:    cardStore,
		ledger:   ledger,
	}
}

func TestExchangeIssueAndRedeemQR(t *testing.T) {
	aliceCard := models.Card{ID: "card-alice", OwnerID: "alice", DisplayName: "Alice"}
	bobCard := models.Card{ID: "card-bob", OwnerID: "bob", DisplayName: "Bob"}
	h := newExchangeHarness(aliceCard, bobCard)

	aliceToken := issueAccessToken(t, h.sessions, "alice")
	bobToken := issueAccessToken(t, h.sessions, "bob")

	issueReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/qr", issueRequest{CardID: "card-alice"}, aliceToken)
	issueRec := httptest.NewRecorder()

	h.handler.IssueQR(issueRec, issueReq)

	if issueRec.Code != http.StatusCreated {
		t.Fatalf("expected status %d got %d: %s", http.StatusCreated, issueRec.Code, issueRec.Body.String())
	}

	var issued issueQRResponse
	decodeEnvelope(t, issueRec, &issued)
	if issued.Payload == "" || issued.ImagePNG == "" {
		t.Fatalf("expected payload and image, got %+v", issued)
	}
	if !issued.ExpiresAt.After(time.Now().UTC()) {
		t.Fatalf("unexpected expiry: %v", issued.ExpiresAt)
	}

	redeemReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/redeem",
		redeemRequest{Credential: issued.Payload, CardID: "card-bob", exchangeMeta: exchangeMeta{Memo: "expo"}}, bobToken)
	redeemRec := httptest.NewRecorder()

	h.handler.Redeem(redeemRec, redeemReq)

	if redeemRec.Code != http.StatusOK {
		t.Fatalf("expected status %d got %d: %s", http.StatusOK, redeemRec.Code, redeemRec.Body.String())
	}

	var redeemed exchangeResponse
	decodeEnvelope(t, redeemRec, &redeemed)
	if len(redeemed.Result.Directions) != 2 {
		t.Fatalf("expected 2 directions, got %+v", redeemed.Result)
	}
	if redeemed.Result.IssuerCard.ID != "card-alice" || redeemed.Result.ResponderCard.ID != "card-bob" {
		t.Fatalf("unexpected cards: %+v", redeemed.Result)
	}
}

func TestExchangeIssueQRRequiresOwnership(t *testing.T) {
	aliceCard := models.Card{ID: "card-alice", OwnerID: "alice", DisplayName: "Alice"}
	h := newExchangeHarness(aliceCard)

	bobToken := issueAccessToken(t, h.sessions, "bob")

	req := authedRequest(t, http.MethodPost, "/api/v1/exchange/qr", issueRequest{CardID: "card-alice"}, bobToken)
	rec := httptest.NewRecorder()

	h.handler.IssueQR(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d got %d", http.StatusForbidden, rec.Code)
	}
	if code := errorCode(t, rec); code != "not_owner" {
		t.Fatalf("expected not_owner, got %q", code)
	}
}

func TestExchangeRedeemRejectsSelfExchange(t *testing.T) {
	aliceCard := models.Card{ID: "card-alice", OwnerID: "alice", DisplayName: "Alice"}
	aliceOther := models.Card{ID: "card-alice-2", OwnerID: "alice", DisplayName: "Alice Alt"}
	h := newExchangeHarness(aliceCard, aliceOther)

	aliceToken := issueAccessToken(t, h.sessions, "alice")

	issueReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/qr", issueRequest{CardID: "card-alice"}, aliceToken)
	issueRec := httptest.NewRecorder()
	h.handler.IssueQR(issueRec, issueReq)

	var issued issueQRResponse
	decodeEnvelope(t, issueRec, &issued)

	redeemReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/redeem",
		redeemRequest{Credential: issued.Payload, CardID: "card-alice-2"}, aliceToken)
	redeemRec := httptest.NewRecorder()

	h.handler.Redeem(redeemRec, redeemReq)

	if redeemRec.Code != http.StatusConflict {
		t.Fatalf("expected status %d got %d", http.StatusConflict, redeemRec.Code)
	}
	if code := errorCode(t, redeemRec); code != "self_exchange" {
		t.Fatalf("expected self_exchange, got %q", code)
	}
}

func TestExchangeLinkFlow(t *testing.T) {
	aliceCard := models.Card{ID: "card-alice", OwnerID: "alice", DisplayName: "Alice"}
	bobCard := models.Card{ID: "card-bob", OwnerID: "bob", DisplayName: "Bob"}
	h := newExchangeHarness(aliceCard, bobCard)

	aliceToken := issueAccessToken(t, h.sessions, "alice")
	bobToken := issueAccessToken(t, h.sessions, "bob")

	issueReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/url", issueRequest{CardID: "card-alice"}, aliceToken)
	issueRec := httptest.NewRecorder()

	h.handler.IssueLink(issueRec, issueReq)

	if issueRec.Code != http.StatusCreated {
		t.Fatalf("expected status %d got %d: %s", http.StatusCreated, issueRec.Code, issueRec.Body.String())
	}

	var issued issueLinkResponse
	decodeEnvelope(t, issueRec, &issued)
	if issued.URL == "" || issued.Token == "" {
		t.Fatalf("expected link credential, got %+v", issued)
	}

	// The full share URL is accepted as the credential.
	redeemReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/link",
		redeemRequest{Credential: issued.URL, CardID: "card-bob"}, bobToken)
	redeemRec := httptest.NewRecorder()

	h.handler.RedeemLink(redeemRec, redeemReq)

	if redeemRec.Code != http.StatusOK {
		t.Fatalf("expected status %d got %d: %s", http.StatusOK, redeemRec.Code, redeemRec.Body.String())
	}

	var redeemed exchangeResponse
	decodeEnvelope(t, redeemRec, &redeemed)
	if len(redeemed.Result.Directions) != 2 {
		t.Fatalf("expected 2 directions, got %+v", redeemed.Result)
	}
}

func TestExchangeCollect(t *testing.T) {
	aliceCard := models.Card{ID: "card-alice", OwnerID: "alice", DisplayName: "Alice"}
	h := newExchangeHarness(aliceCard)

	aliceToken := issueAccessToken(t, h.sessions, "alice")
	bobToken := issueAccessToken(t, h.sessions, "bob")

	issueReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/qr", issueRequest{CardID: "card-alice"}, aliceToken)
	issueRec := httptest.NewRecorder()
	h.handler.IssueQR(issueRec, issueReq)

	var issued issueQRResponse
	decodeEnvelope(t, issueRec, &issued)

	collectReq := authedRequest(t, http.MethodPost, "/api/v1/exchange/collect",
		collectRequest{Credential: issued.Payload}, bobToken)
	collectRec := httptest.NewRecorder()

	h.handler.Collect(collectRec, collectReq)

	if collectRec.Code != http.StatusOK {
		t.Fatalf("expected status %d got %d: %s", http.StatusOK, collectRec.Code, collectRec.Body.String())
	}

	var collected exchangeResponse
	decodeEnvelope(t, collectRec, &collected)
	if len(collected.Result.Directions) != 1 {
		t.Fatalf("expected 1 direction, got %+v", collected.Result)
	}

	// Collecting the same card again is an explicit conflict.
	again := authedRequest(t, http.MethodPost, "/api/v1/exchange/collect",
		collectRequest{Credential: issued.Payload}, bobToken)
	againRec := httptest.NewRecorder()

	h.handler.Collect(againRec, again)

	if againRec.Code != http.StatusConflict {
		t.Fatalf("expected status %d got %d", http.StatusConflict, againRec.Code)
	}
	if code := errorCode(t, againRec); code != "already_collected" {
		t.Fatalf("expected already_collected, got %q", code)
	}
}

func TestExchangeRedeemRejectsMalformedCredential(t *testing.T) {
	bobCard := models.Card{ID: "card-bob", OwnerID: "bob", DisplayName: "Bob"}
	h := newExchangeHarness(bobCard)

	bobToken := issueAccessToken(t, h.sessions, "bob")

	req := authedRequest(t, http.MethodPost, "/api/v1/exchange/redeem",
		redeemRequest{Credential: "garbage", CardID: "card-bob"}, bobToken)
	rec := httptest.NewRecorder()

	h.handler.Redeem(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d got %d", http.StatusBadRequest, rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_credential" {
		t.Fatalf("expected invalid_credential, got %q", code)
	}
}
