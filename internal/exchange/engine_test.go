package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

type fakeCardStore struct {
	cards map[string]models.Card
}

func newFakeCardStore(cards ...models.Card) *fakeCardStore {
	s := &fakeCardStore{cards: make(map[string]models.Card)}
	for _, card := range cards {
		s.cards[card.ID] = card
	}
	return s
}

func (s *fakeCardStore) FindByID(_ context.Context, cardID string) (models.Card, error) {
	card, ok := s.cards[cardID]
	if !ok {
		return models.Card{}, repositories.ErrNotFound
	}
	return card, nil
}

type fakeTokenRecords struct {
	byToken map[string]models.ExchangeToken
}

func newFakeTokenRecords() *fakeTokenRecords {
	return &fakeTokenRecords{byToken: make(map[string]models.ExchangeToken)}
}

func (s *fakeTokenRecords) Upsert(_ context.Context, token models.ExchangeToken) error {
	for existing, record := range s.byToken {
		if record.UserID == token.UserID && record.CardID == token.CardID {
			delete(s.byToken, existing)
		}
	}
	s.byToken[token.Token] = token
	return nil
}

func (s *fakeTokenRecords) Find(_ context.Context, token string) (models.ExchangeToken, error) {
	record, ok := s.byToken[token]
	if !ok {
		return models.ExchangeToken{}, repositories.ErrNotFound
	}
	return record, nil
}

func (s *fakeTokenRecords) Delete(_ context.Context, token string) error {
	delete(s.byToken, token)
	return nil
}

type fakeLedger struct {
	entries   map[string]models.Exchange
	failAfter int
	creates   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]models.Exchange), failAfter: -1}
}

func ledgerKey(ownerID, cardID string) string {
	return fmt.Sprintf("%s|%s", ownerID, cardID)
}

func (s *fakeLedger) Create(_ context.Context, entry models.Exchange) error {
	if s.failAfter >= 0 && s.creates >= s.failAfter {
		return errors.New("ledger unavailable")
	}
	s.creates++
	key := ledgerKey(entry.OwnerID, entry.CardID)
	if _, ok := s.entries[key]; ok {
		return repositories.ErrConflict
	}
	s.entries[key] = entry
	return nil
}

func (s *fakeLedger) Exists(_ context.Context, ownerID, cardID string) (bool, error) {
	_, ok := s.entries[ledgerKey(ownerID, cardID)]
	return ok, nil
}

type fakeLogs struct {
	entries []models.ExchangeLog
}

func (s *fakeLogs) Append(_ context.Context, entry models.ExchangeLog) error {
	s.entries = append(s.entries, entry)
	return nil
}

func newTestCards(ownerID string) models.Card {
	return models.Card{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		DisplayName: ownerID,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
}

type engineFixture struct {
	engine *Engine
	tokens *TokenStore
	ledger *fakeLedger
	logs   *fakeLogs
	cards  *fakeCardStore
}

func newEngineFixture(cards ...models.Card) *engineFixture {
	cardStore := newFakeCardStore(cards...)
	ledger := newFakeLedger()
	logs := &fakeLogs{}
	tokens := NewTokenStore(newFakeTokenRecords(), cardStore, 30*time.Minute)
	engine := NewEngine(cardStore, ledger, logs, tokens)
	return &engineFixture{engine: engine, tokens: tokens, ledger: ledger, logs: logs, cards: cardStore}
}

func issueQRCredential(t *testing.T, fx *engineFixture, userID, cardID string) string {
	t.Helper()
	token, err := fx.tokens.Issue(context.Background(), userID, cardID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	credential, err := EncodeQRPayload(QRPayload{
		CardID:   token.CardID,
		UserID:   token.UserID,
		Token:    token.Token,
		IssuedAt: token.CreatedAt.Unix(),
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return credential
}

func TestEngineRedeemQRCommitsBothDirections(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	credential := issueQRCredential(t, fx, "alice", aliceCard.ID)

	lat := 35.68
	meta := Meta{Memo: "conference", LocationName: "Tokyo", Latitude: &lat}

	result, err := fx.engine.RedeemQR(context.Background(), credential, "bob", bobCard.ID, meta)
	if err != nil {
		t.Fatalf("redeem qr: %v", err)
	}

	if len(result.Directions) != 2 {
		t.Fatalf("expected 2 directions, got %d", len(result.Directions))
	}
	for _, direction := range result.Directions {
		if !direction.Created {
			t.Fatalf("expected direction to be created: %+v", direction)
		}
	}

	if result.IssuerCard.ID != aliceCard.ID || result.ResponderCard.ID != bobCard.ID {
		t.Fatalf("unexpected cards in result: %+v", result)
	}

	// The scanner's entry carries the memo; the issuer's entry does not.
	bobEntry := fx.ledger.entries[ledgerKey("bob", aliceCard.ID)]
	if bobEntry.Memo != "conference" || bobEntry.LocationName != "Tokyo" {
		t.Fatalf("expected meta on scanner entry, got %+v", bobEntry)
	}
	aliceEntry := fx.ledger.entries[ledgerKey("alice", bobCard.ID)]
	if aliceEntry.Memo != "" {
		t.Fatalf("expected no memo on issuer entry, got %+v", aliceEntry)
	}

	if len(fx.logs.entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(fx.logs.entries))
	}
	logEntry := fx.logs.entries[0]
	if logEntry.QROwnerID != "alice" || logEntry.ScannerID != "bob" || logEntry.Notified {
		t.Fatalf("unexpected log entry: %+v", logEntry)
	}
}

func TestEngineRedeemQRIsIdempotent(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	credential := issueQRCredential(t, fx, "alice", aliceCard.ID)

	if _, err := fx.engine.RedeemQR(context.Background(), credential, "bob", bobCard.ID, Meta{}); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	result, err := fx.engine.RedeemQR(context.Background(), credential, "bob", bobCard.ID, Meta{})
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}

	for _, direction := range result.Directions {
		if direction.Created {
			t.Fatalf("expected deduped direction on retry: %+v", direction)
		}
	}
	if len(fx.ledger.entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(fx.ledger.entries))
	}
}

func TestEngineRedeemQRRejectsSelfExchange(t *testing.T) {
	aliceCard := newTestCards("alice")
	aliceOther := newTestCards("alice")
	fx := newEngineFixture(aliceCard, aliceOther)

	credential := issueQRCredential(t, fx, "alice", aliceCard.ID)

	if _, err := fx.engine.RedeemQR(context.Background(), credential, "alice", aliceOther.ID, Meta{}); !errors.Is(err, ErrSelfExchange) {
		t.Fatalf("expected ErrSelfExchange, got %v", err)
	}
	if len(fx.ledger.entries) != 0 {
		t.Fatal("expected no ledger writes on rejection")
	}
	if len(fx.logs.entries) != 0 {
		t.Fatal("expected no log writes on rejection")
	}
}

func TestEngineRedeemQRRejectsExpiredCredential(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	credential := issueQRCredential(t, fx, "alice", aliceCard.ID)

	later := time.Now().UTC().Add(31 * time.Minute)
	fx.engine.NowFunc = func() time.Time { return later }
	fx.tokens.NowFunc = func() time.Time { return later }

	if _, err := fx.engine.RedeemQR(context.Background(), credential, "bob", bobCard.ID, Meta{}); !errors.Is(err, ErrExpiredCredential) {
		t.Fatalf("expected ErrExpiredCredential, got %v", err)
	}
}

func TestEngineRedeemQRAcceptsRawToken(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	token, err := fx.tokens.Issue(context.Background(), "alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	result, err := fx.engine.RedeemQR(context.Background(), token.Token, "bob", bobCard.ID, Meta{})
	if err != nil {
		t.Fatalf("redeem raw token: %v", err)
	}
	if len(result.Directions) != 2 {
		t.Fatalf("expected 2 directions, got %d", len(result.Directions))
	}
}

func TestEngineRedeemQRRejectsTamperedPayload(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	token, err := fx.tokens.Issue(context.Background(), "alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	// Payload claims a different card than the token grants.
	credential, err := EncodeQRPayload(QRPayload{
		CardID:   bobCard.ID,
		UserID:   "alice",
		Token:    token.Token,
		IssuedAt: token.CreatedAt.Unix(),
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	if _, err := fx.engine.RedeemQR(context.Background(), credential, "bob", bobCard.ID, Meta{}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestEngineRedeemQRHealsPartialFailure(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	credential := issueQRCredential(t, fx, "alice", aliceCard.ID)

	// First direction lands, second insert fails.
	fx.ledger.failAfter = 1
	if _, err := fx.engine.RedeemQR(context.Background(), credential, "bob", bobCard.ID, Meta{}); err == nil {
		t.Fatal("expected redeem to fail on second direction")
	}
	if len(fx.ledger.entries) != 1 {
		t.Fatalf("expected 1 ledger entry after partial failure, got %d", len(fx.ledger.entries))
	}

	// Retrying the same redemption completes only the missing half.
	fx.ledger.failAfter = -1
	result, err := fx.engine.RedeemQR(context.Background(), credential, "bob", bobCard.ID, Meta{})
	if err != nil {
		t.Fatalf("retry redeem: %v", err)
	}

	if result.Directions[0].Created {
		t.Fatal("expected first direction to be deduped on retry")
	}
	if !result.Directions[1].Created {
		t.Fatal("expected second direction to be created on retry")
	}
	if len(fx.ledger.entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(fx.ledger.entries))
	}
}

func TestEngineRedeemQRRejectsOwnCardMismatch(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	carolCard := newTestCards("carol")
	fx := newEngineFixture(aliceCard, bobCard, carolCard)

	credential := issueQRCredential(t, fx, "alice", aliceCard.ID)

	// Bob presents Carol's card as his own.
	if _, err := fx.engine.RedeemQR(context.Background(), credential, "bob", carolCard.ID, Meta{}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestEngineCollectSingleDirection(t *testing.T) {
	aliceCard := newTestCards("alice")
	fx := newEngineFixture(aliceCard)

	credential := issueQRCredential(t, fx, "alice", aliceCard.ID)

	result, err := fx.engine.Collect(context.Background(), credential, "bob", Meta{Memo: "meetup"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(result.Directions) != 1 || !result.Directions[0].Created {
		t.Fatalf("unexpected collect result: %+v", result)
	}

	if _, err := fx.engine.Collect(context.Background(), credential, "bob", Meta{}); !errors.Is(err, ErrAlreadyCollected) {
		t.Fatalf("expected ErrAlreadyCollected, got %v", err)
	}

	if _, err := fx.engine.Collect(context.Background(), credential, "alice", Meta{}); !errors.Is(err, ErrSelfExchange) {
		t.Fatalf("expected ErrSelfExchange, got %v", err)
	}
}

func TestEngineRedeemLink(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	signer := NewLinkSigner("test-secret", 24*time.Hour, "https://cardlink.test/e")

	token, _, _, err := signer.Sign("alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("sign link: %v", err)
	}

	result, err := fx.engine.RedeemLink(context.Background(), signer, token, "bob", bobCard.ID, Meta{})
	if err != nil {
		t.Fatalf("redeem link: %v", err)
	}
	if len(result.Directions) != 2 {
		t.Fatalf("expected 2 directions, got %d", len(result.Directions))
	}

	// Share links feed no notification log.
	if len(fx.logs.entries) != 0 {
		t.Fatalf("expected no log entries for link redemption, got %d", len(fx.logs.entries))
	}
}

func TestEngineRedeemLinkRejectsExpired(t *testing.T) {
	aliceCard := newTestCards("alice")
	bobCard := newTestCards("bob")
	fx := newEngineFixture(aliceCard, bobCard)

	signer := NewLinkSigner("test-secret", 24*time.Hour, "")

	token, _, _, err := signer.Sign("alice", aliceCard.ID)
	if err != nil {
		t.Fatalf("sign link: %v", err)
	}

	signer.NowFunc = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }

	if _, err := fx.engine.RedeemLink(context.Background(), signer, token, "bob", bobCard.ID, Meta{}); !errors.Is(err, ErrExpiredCredential) {
		t.Fatalf("expected ErrExpiredCredential, got %v", err)
	}
}
