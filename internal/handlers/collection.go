package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cardlink/backend/internal/logging"
	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
)

// CollectionHandler exposes the caller's collection ledger. Entries are
// created by the reconciliation engine; this handler only reads and edits them.
type CollectionHandler struct {
	Ledger   LedgerStore
	Sessions SessionManager
}

// List handles GET /api/v1/collection.
func (h CollectionHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	entries, err := h.Ledger.ListForOwner(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to list collection", "error", err, "userId", userID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	views := make([]collectionEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, toCollectionEntryView(entry))
	}

	respondData(ctx, w, http.StatusOK, collectionResponse{Entries: views})
}

// Update handles POST /api/v1/collection/update: edits the memo and location
// on one of the caller's own entries.
func (h CollectionHandler) Update(w http.ResponseWriter, r *http.Request) {
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

	var req updateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	err := h.Ledger.UpdateMeta(ctx, req.ID, userID, req.Memo, req.LocationName, req.Latitude, req.Longitude)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, codeNotFound)
			return
		}
		logger.Error("failed to update collection entry", "error", err, "entryId", req.ID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusOK, entryIDResponse{ID: req.ID})
}

// Remove handles POST /api/v1/collection/remove: deletes one of the caller's
// own entries. Only their half of a bidirectional exchange is removed.
func (h CollectionHandler) Remove(w http.ResponseWriter, r *http.Request) {
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

	if err := h.Ledger.Delete(ctx, req.ID, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, codeNotFound)
			return
		}
		logging.FromContext(ctx).Error("failed to remove collection entry", "error", err, "entryId", req.ID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusOK, entryIDResponse{ID: req.ID})
}

type updateEntryRequest struct {
	ID           string   `json:"id"`
	Memo         string   `json:"memo"`
	LocationName string   `json:"locationName"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

type entryIDRequest struct {
	ID string `json:"id"`
}

type entryIDResponse struct {
	ID string `json:"id"`
}

type collectionEntryView struct {
	ID           string             `json:"id"`
	Card         models.CardSummary `json:"card"`
	Memo         string             `json:"memo,omitempty"`
	LocationName string             `json:"locationName,omitempty"`
	Latitude     *float64           `json:"latitude,omitempty"`
	Longitude    *float64           `json:"longitude,omitempty"`
	CollectedAt  time.Time          `json:"collectedAt"`
}

type collectionResponse struct {
	Entries []collectionEntryView `json:"entries"`
}

func toCollectionEntryView(entry repositories.CollectionEntry) collectionEntryView {
	return collectionEntryView{
		ID:           entry.Exchange.ID,
		Card:         entry.Card,
		Memo:         entry.Exchange.Memo,
		LocationName: entry.Exchange.LocationName,
		Latitude:     entry.Exchange.Latitude,
		Longitude:    entry.Exchange.Longitude,
		CollectedAt:  entry.Exchange.CreatedAt,
	}
}
