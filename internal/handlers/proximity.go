package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cardlink/backend/internal/exchange"
	"github.com/cardlink/backend/internal/logging"
	"github.com/cardlink/backend/internal/models"
)

// ProximityHandler exposes the request-then-respond exchange workflow.
type ProximityHandler struct {
	Proximity *exchange.ProximityService
	Sessions  SessionManager
}

// Send handles POST /api/v1/proximity/send.
func (h ProximityHandler) Send(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	var req sendProximityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if req.ReceiverID == "" || req.CardID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	request, err := h.Proximity.Send(ctx, userID, req.ReceiverID, req.CardID, req.Message)
	if err != nil {
		respondProximityError(ctx, w, err, "send proximity request")
		return
	}

	respondData(ctx, w, http.StatusCreated, proximityResponse{Request: toProximityView(request)})
}

// Respond handles POST /api/v1/proximity/respond: the receiver accepts or
// rejects a pending request.
func (h ProximityHandler) Respond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	var req respondProximityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if req.ID == "" || req.Action == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if req.Action == exchange.ActionAccept && req.CardID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	result, request, err := h.Proximity.Respond(ctx, req.ID, userID, req.Action, req.CardID, req.toMeta())
	if err != nil {
		respondProximityError(ctx, w, err, "respond to proximity request")
		return
	}

	respondData(ctx, w, http.StatusOK, proximityResponse{
		Request: toProximityView(request),
		Result:  result,
	})
}

// List handles GET /api/v1/proximity: requests involving the caller on either side.
func (h ProximityHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	requests, err := h.Proximity.List(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to list proximity requests", "error", err, "userId", userID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	views := make([]proximityView, 0, len(requests))
	for _, request := range requests {
		views = append(views, toProximityView(request))
	}

	respondData(ctx, w, http.StatusOK, proximityListResponse{Requests: views})
}

func respondProximityError(ctx context.Context, w http.ResponseWriter, err error, op string) {
	if errors.Is(err, exchange.ErrInvalidAction) {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if code := exchange.Code(err); code != "" {
		respondError(ctx, w, exchangeStatus(err), code)
		return
	}
	logging.FromContext(ctx).Error(op+" failed", "error", err)
	respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
}

type sendProximityRequest struct {
	ReceiverID string `json:"receiverId"`
	CardID     string `json:"cardId"`
	Message    string `json:"message,omitempty"`
}

type respondProximityRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	CardID string `json:"cardId,omitempty"`
	exchangeMeta
}

type proximityView struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requesterId"`
	ReceiverID  string     `json:"receiverId"`
	CardID      string     `json:"cardId"`
	Message     string     `json:"message,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

type proximityResponse struct {
	Request proximityView    `json:"request"`
	Result  *exchange.Result `json:"result,omitempty"`
}

type proximityListResponse struct {
	Requests []proximityView `json:"requests"`
}

func toProximityView(request models.ProximityRequest) proximityView {
	return proximityView{
		ID:          request.ID,
		RequesterID: request.RequesterID,
		ReceiverID:  request.ReceiverID,
		CardID:      request.CardID,
		Message:     request.Message,
		Status:      request.Status,
		CreatedAt:   request.CreatedAt,
		ExpiresAt:   request.ExpiresAt,
		RespondedAt: request.RespondedAt,
	}
}
