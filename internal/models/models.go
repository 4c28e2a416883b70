package models

import "time"

// User represents an account within the Cardlink platform.
type User struct {
	ID          string
	Email       string
	Password    string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CardLink is a titled URL displayed on a card. A card carries at most
// MaxCardLinks of them.
type CardLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

const (
	// MaxCardLinks bounds the number of links a card may carry.
	MaxCardLinks = 4
	// MaxLinkTitleLength bounds the title of a single card link.
	MaxLinkTitleLength = 50
	// MaxBioLength bounds the free-form bio text on a card.
	MaxBioLength = 300
)

// Card is a user-owned profile artifact exchanged between users.
type Card struct {
	ID          string
	OwnerID     string
	DisplayName string
	Bio         string
	ImageKey    string
	Links       []CardLink
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CardSummary is the denormalized display data returned alongside exchange
// results so clients can render a confirmation without a second round trip.
type CardSummary struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio,omitempty"`
	ImageKey    string `json:"imageKey,omitempty"`
}

// Summary projects the card's display fields.
func (c Card) Summary() CardSummary {
	return CardSummary{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		DisplayName: c.DisplayName,
		Bio:         c.Bio,
		ImageKey:    c.ImageKey,
	}
}

// ExchangeToken is a short-lived grant authorizing redemption of a card
// exchange. At most one live token exists per (user, card) pair; re-issuing
// overwrites the previous one.
type ExchangeToken struct {
	Token     string
	UserID    string
	CardID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Exchange is a collection ledger entry: the owner has collected the card.
// (OwnerID, CardID) is unique, and OwnerID never equals the card's own owner.
type Exchange struct {
	ID           string
	OwnerID      string
	CardID       string
	Memo         string
	LocationName string
	Latitude     *float64
	Longitude    *float64
	CreatedAt    time.Time
}

// ExchangeLog is the audit record of a completed QR reconciliation, surfaced
// later through the issuer's notification feed.
type ExchangeLog struct {
	ID            string
	QROwnerID     string
	ScannerID     string
	QRCardID      string
	ScannerCardID string
	Memo          string
	LocationName  string
	Notified      bool
	CreatedAt     time.Time
}

// Proximity request lifecycle states.
const (
	ProximityPending  = "pending"
	ProximityAccepted = "accepted"
	ProximityRejected = "rejected"
	ProximityExpired  = "expired"
)

// ProximityRequest is a request-then-respond exchange initiated toward a
// nearby user. Accepting one commits the same bidirectional ledger mutation
// as a QR redemption.
type ProximityRequest struct {
	ID          string
	RequesterID string
	ReceiverID  string
	CardID      string
	Message     string
	Status      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RespondedAt *time.Time
}

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}
