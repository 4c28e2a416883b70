package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cardlink/backend/internal/exchange"
	"github.com/cardlink/backend/internal/logging"
	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

// FeedHandler exposes the issuer's exchange notification feed.
type FeedHandler struct {
	Feed     *exchange.Feed
	Sessions SessionManager
}

// List handles GET /api/v1/feed. Fetching marks every returned entry read;
// newCount reports how many were unread before this call.
func (h FeedHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	entries, newCount, err := h.Feed.ListFor(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to list feed", "error", err, "userId", userID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	views := make([]feedEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, toFeedEntryView(entry))
	}

	respondData(ctx, w, http.StatusOK, feedResponse{Entries: views, NewCount: newCount})
}

// Delete handles POST /api/v1/feed/delete: either participant may remove an entry.
func (h FeedHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	var req entryIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	if err := h.Feed.Delete(ctx, req.ID, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, codeNotFound)
			return
		}
		logging.FromContext(ctx).Error("failed to delete feed entry", "error", err, "entryId", req.ID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusOK, entryIDResponse{ID: req.ID})
}

type feedEntryView struct {
	ID            string    `json:"id"`
	ScannerID     string    `json:"scannerId"`
	QRCardID      string    `json:"qrCardId"`
	ScannerCardID string    `json:"scannerCardId,omitempty"`
	Memo          string    `json:"memo,omitempty"`
	LocationName  string    `json:"locationName,omitempty"`
	Notified      bool      `json:"notified"`
	CreatedAt     time.Time `json:"createdAt"`
}

type feedResponse struct {
	Entries  []feedEntryView `json:"entries"`
	NewCount int64           `json:"newCount"`
}

func toFeedEntryView(entry models.ExchangeLog) feedEntryView {
	return feedEntryView{
		ID:            entry.ID,
		ScannerID:     entry.ScannerID,
		QRCardID:      entry.QRCardID,
		ScannerCardID: entry.ScannerCardID,
		Memo:          entry.Memo,
		LocationName:  entry.LocationName,
		Notified:      entry.Notified,
		CreatedAt:     entry.CreatedAt,
	}
}
