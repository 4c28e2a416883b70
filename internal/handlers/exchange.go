package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cardlink/backend/internal/exchange"
	"github.com/cardlink/backend/internal/logging"
)

// ExchangeHandler implements credential issuance and redemption endpoints.
type ExchangeHandler struct {
	Sessions SessionManager
	Cards    CardStore
	Tokens   *exchange.TokenStore
	Engine   *exchange.Engine
	Links    *exchange.LinkSigner
	Limiter  RateLimiter
}

// IssueQR handles POST /api/v1/exchange/qr: mints a short-lived token for one
// of the caller's cards and returns the encoded payload plus a rendered PNG.
func (h ExchangeHandler) IssueQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	if !allowRequest(h.Limiter, r, "issue-qr") {
		respondError(ctx, w, http.StatusTooManyRequests, codeInvalidRequest)
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CardID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	token, err := h.Tokens.Issue(ctx, userID, req.CardID)
	if err != nil {
		h.respondExchangeError(ctx, w, err, "issue qr token")
		return
	}

	payload, err := exchange.EncodeQRPayload(exchange.QRPayload{
		CardID:   token.CardID,
		UserID:   token.UserID,
		Token:    token.Token,
		IssuedAt: token.CreatedAt.Unix(),
	})
	if err != nil {
		logger.Error("failed to encode qr payload", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	png, err := exchange.RenderQRPNG(payload, req.Size)
	if err != nil {
		logger.Error("failed to render qr image", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusCreated, issueQRResponse{
		Payload:   payload,
		ImagePNG:  base64.StdEncoding.EncodeToString(png),
		ExpiresAt: token.ExpiresAt,
	})
}

// IssueLink handles POST /api/v1/exchange/url: signs a share-URL credential
// for one of the caller's cards.
func (h ExchangeHandler) IssueLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	if !allowRequest(h.Limiter, r, "issue-link") {
		respondError(ctx, w, http.StatusTooManyRequests, codeInvalidRequest)
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CardID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	// Link tokens are self-describing, but ownership still gates issuance.
	card, err := h.Cards.FindByID(ctx, req.CardID)
	if err != nil {
		h.respondExchangeError(ctx, w, exchange.ErrCardNotFound, "issue share link")
		return
	}
	if card.OwnerID != userID {
		h.respondExchangeError(ctx, w, exchange.ErrNotOwner, "issue share link")
		return
	}

	token, url, expiresAt, err := h.Links.Sign(userID, req.CardID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to sign share link", "error", err)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusCreated, issueLinkResponse{
		Token:     token,
		URL:       url,
		ExpiresAt: expiresAt,
	})
}

// Redeem handles POST /api/v1/exchange/redeem: the bidirectional QR flow.
func (h ExchangeHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if req.Credential == "" || req.CardID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	result, err := h.Engine.RedeemQR(ctx, req.Credential, userID, req.CardID, req.meta())
	if err != nil {
		h.respondExchangeError(ctx, w, err, "redeem qr")
		return
	}

	respondData(ctx, w, http.StatusOK, exchangeResponse{Result: result})
}

// RedeemLink handles POST /api/v1/exchange/link: the bidirectional share-URL flow.
func (h ExchangeHandler) RedeemLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if req.Credential == "" || req.CardID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	// Accept either the raw token or the full share URL.
	token := req.Credential
	if idx := strings.LastIndex(token, "/"); idx >= 0 {
		token = token[idx+1:]
	}

	result, err := h.Engine.RedeemLink(ctx, h.Links, token, userID, req.CardID, req.meta())
	if err != nil {
		h.respondExchangeError(ctx, w, err, "redeem share link")
		return
	}

	respondData(ctx, w, http.StatusOK, exchangeResponse{Result: result})
}

// Collect handles POST /api/v1/exchange/collect: the single-direction flow
// that adds the credential's card without giving one back.
func (h ExchangeHandler) Collect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	var req collectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credential == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	result, err := h.Engine.Collect(ctx, req.Credential, userID, req.meta())
	if err != nil {
		h.respondExchangeError(ctx, w, err, "collect card")
		return
	}

	respondData(ctx, w, http.StatusOK, exchangeResponse{Result: result})
}

// respondExchangeError maps reconciliation rejections to statuses and stable
// wire codes; anything unmapped is a server fault.
func (h ExchangeHandler) respondExchangeError(ctx context.Context, w http.ResponseWriter, err error, op string) {
	if code := exchange.Code(err); code != "" {
		respondError(ctx, w, exchangeStatus(err), code)
		return
	}
	logging.FromContext(ctx).Error(op+" failed", "error", err)
	respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
}

func exchangeStatus(err error) int {
	switch {
	case errors.Is(err, exchange.ErrInvalidCredential):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrExpiredCredential):
		return http.StatusGone
	case errors.Is(err, exchange.ErrCardNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrSelfExchange), errors.Is(err, exchange.ErrAlreadyCollected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type issueRequest struct {
	CardID string `json:"cardId"`
	Size   int    `json:"size,omitempty"`
}

type issueQRResponse struct {
	Payload   string    `json:"payload"`
	ImagePNG  string    `json:"imagePng"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type issueLinkResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type exchangeMeta struct {
	Memo         string   `json:"memo,omitempty"`
	LocationName string   `json:"locationName,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

func (m exchangeMeta) toMeta() exchange.Meta {
	return exchange.Meta{
		Memo:         m.Memo,
		LocationName: m.LocationName,
		Latitude:     m.Latitude,
		Longitude:    m.Longitude,
	}
}

type redeemRequest struct {
	Credential string `json:"credential"`
	CardID     string `json:"cardId"`
	exchangeMeta
}

func (r redeemRequest) meta() exchange.Meta { return r.toMeta() }

type collectRequest struct {
	Credential string `json:"credential"`
	exchangeMeta
}

func (r collectRequest) meta() exchange.Meta { return r.toMeta() }

type exchangeResponse struct {
	Result exchange.Result `json:"result"`
}
