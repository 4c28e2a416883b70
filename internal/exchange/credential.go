package exchange

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	qrcode "github.com/skip2/go-qrcode"
)

// QRPayload is the self-describing credential embedded in a QR code. The
// token still has to match a live exchange_tokens row; the embedded fields
// let clients render the issuer's card before redeeming and give the engine
// an independent freshness signal.
type QRPayload struct {
	CardID   string `json:"cardId"`
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	IssuedAt int64  `json:"issuedAt"`
}

// EncodeQRPayload serializes the payload to the base64url form carried by QR
// codes and share intents.
func EncodeQRPayload(p QRPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal qr payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeQRPayload parses a base64url payload. Opaque raw tokens are not
// payloads; callers fall back to a token store lookup when this fails.
func DecodeQRPayload(credential string) (QRPayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(credential)
	if err != nil {
		return QRPayload{}, ErrInvalidCredential
	}

	var p QRPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return QRPayload{}, ErrInvalidCredential
	}
	if p.CardID == "" || p.UserID == "" || p.Token == "" {
		return QRPayload{}, ErrInvalidCredential
	}

	return p, nil
}

// RenderQRPNG renders the encoded payload as a PNG image of the given pixel size.
func RenderQRPNG(encodedPayload string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(encodedPayload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render qr png: %w", err)
	}
	return png, nil
}

type linkClaims struct {
	jwt.RegisteredClaims
	CardID string `json:"cardId"`
	UserID string `json:"userId"`
}

// LinkSigner mints and verifies the signed share-URL credential. The token is
// self-describing: its claims carry the issuer and card, and expiry rides the
// standard exp claim, so redemption needs no server-side token row.
type LinkSigner struct {
	secret  []byte
	ttl     time.Duration
	baseURL string

	// NowFunc overrides the time source in tests.
	NowFunc func() time.Time
}

// NewLinkSigner constructs a signer for share-URL credentials.
func NewLinkSigner(secret string, ttl time.Duration, baseURL string) *LinkSigner {
	return &LinkSigner{
		secret:  []byte(secret),
		ttl:     ttl,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Sign issues a share-URL token for the issuer's card and returns the token,
// the full shareable URL, and the expiry.
func (s *LinkSigner) Sign(issuerUserID, cardID string) (token, url string, expiresAt time.Time, err error) {
	now := s.now()
	expiresAt = now.Add(s.ttl)

	claims := linkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		CardID: cardID,
		UserID: issuerUserID,
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign share link: %w", err)
	}

	url = token
	if s.baseURL != "" {
		url = fmt.Sprintf("%s/%s", s.baseURL, token)
	}

	return token, url, expiresAt, nil
}

// Parse verifies a share-URL token and returns the issuer and card it grants.
func (s *LinkSigner) Parse(token string) (issuerUserID, cardID string, err error) {
	claims := &linkClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredCredential
		}
		return "", "", ErrInvalidCredential
	}

	if !parsed.Valid || claims.UserID == "" || claims.CardID == "" {
		return "", "", ErrInvalidCredential
	}

	return claims.UserID, claims.CardID, nil
}

func (s *LinkSigner) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc().UTC()
	}
	return time.Now().UTC()
}
