package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardlink/backend/internal/logging"
	"github.com/cardlink/backend/internal/models"
	"github.com/cardlink/backend/internal/repositories"
	"github.com/cardlink/backend/internal/storage"
)

const maxImageUploadBytes = 5 << 20

// CardHandler implements card CRUD and image endpoints.
type CardHandler struct {
	Cards    CardStore
	Sessions SessionManager
	Images   ImageStorage
	NowFunc  func() time.Time
}

// Handle dispatches POST (create) and GET (list mine) on /api/v1/cards.
func (h CardHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h CardHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	var req cardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid card payload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	if err := validateCardRequest(req); err != nil {
		logger.Warn("card validation failed", "error", err)
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	now := h.now()
	card := models.Card{
		ID:          uuid.NewString(),
		OwnerID:     userID,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Bio:         strings.TrimSpace(req.Bio),
		ImageKey:    req.ImageKey,
		Links:       req.Links,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.Cards.Create(ctx, card); err != nil {
		logger.Error("failed to create card", "error", err, "userId", userID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusCreated, cardResponse{Card: toCardView(card)})
}

func (h CardHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	cards, err := h.Cards.ListForOwner(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to list cards", "error", err, "userId", userID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	views := make([]cardView, 0, len(cards))
	for _, card := range cards {
		views = append(views, toCardView(card))
	}

	respondData(ctx, w, http.StatusOK, cardListResponse{Cards: views})
}

// Get handles GET /api/v1/cards/get?id=<cardID>. Any authenticated user may
// view a card; cards are exchange artifacts, not private documents.
func (h CardHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	if _, ok := requireUser(w, r, h.Sessions); !ok {
		return
	}

	cardID := strings.TrimSpace(r.URL.Query().Get("id"))
	if cardID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	card, err := h.Cards.FindByID(ctx, cardID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, codeNotFound)
			return
		}
		logging.FromContext(ctx).Error("failed to load card", "error", err, "cardId", cardID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusOK, cardResponse{Card: toCardView(card)})
}

// Update handles POST /api/v1/cards/update.
func (h CardHandler) Update(w http.ResponseWriter, r *http.Request) {
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

	var req updateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid card update payload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	if req.ID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if err := validateCardRequest(req.cardRequest); err != nil {
		logger.Warn("card validation failed", "error", err)
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	card := models.Card{
		ID:          req.ID,
		OwnerID:     userID,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Bio:         strings.TrimSpace(req.Bio),
		ImageKey:    req.ImageKey,
		Links:       req.Links,
		UpdatedAt:   h.now(),
	}

	if err := h.Cards.Update(ctx, card); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, codeNotFound)
			return
		}
		logger.Error("failed to update card", "error", err, "cardId", req.ID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusOK, cardResponse{Card: toCardView(card)})
}

// Delete handles POST /api/v1/cards/delete. The card's image object is
// removed best-effort after the row: a dangling object is cheaper than a
// card pointing at a deleted image.
func (h CardHandler) Delete(w http.ResponseWriter, r *http.Request) {
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

	var req deleteCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	card, err := h.Cards.FindByID(ctx, req.ID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		logger.Error("failed to load card for delete", "error", err, "cardId", req.ID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	if err := h.Cards.Delete(ctx, req.ID, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondError(ctx, w, http.StatusNotFound, codeNotFound)
			return
		}
		logger.Error("failed to delete card", "error", err, "cardId", req.ID)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	if h.Images != nil && card.ImageKey != "" {
		if err := h.Images.Delete(ctx, card.ImageKey); err != nil {
			logger.Warn("failed to delete card image", "error", err, "key", card.ImageKey)
		}
	}

	respondData(ctx, w, http.StatusOK, deleteCardResponse{ID: req.ID})
}

// Image dispatches POST (upload) and GET (fetch) on /api/v1/cards/image.
func (h CardHandler) Image(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.uploadImage(w, r)
	case http.MethodGet:
		h.getImage(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h CardHandler) uploadImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	userID, ok := requireUser(w, r, h.Sessions)
	if !ok {
		return
	}

	if h.Images == nil {
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageUploadBytes)
	if err := r.ParseMultipartForm(maxImageUploadBytes); err != nil {
		logger.Warn("invalid image upload", "error", err)
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	key := fmt.Sprintf("cards/%s/%s", userID, uuid.NewString())
	location, err := h.Images.Put(ctx, key, file, contentType)
	if err != nil {
		logger.Error("image upload failed", "error", err, "key", key)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}

	respondData(ctx, w, http.StatusCreated, imageResponse{Key: key, Location: location})
}

func (h CardHandler) getImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := requireUser(w, r, h.Sessions); !ok {
		return
	}

	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" || h.Images == nil {
		respondError(ctx, w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	body, contentType, err := h.Images.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			respondError(ctx, w, http.StatusNotFound, codeNotFound)
			return
		}
		logging.FromContext(ctx).Error("image fetch failed", "error", err, "key", key)
		respondError(ctx, w, http.StatusInternalServerError, codeInternalError)
		return
	}
	defer body.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func validateCardRequest(req cardRequest) error {
	if strings.TrimSpace(req.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if len(req.Bio) > models.MaxBioLength {
		return fmt.Errorf("bio exceeds %d characters", models.MaxBioLength)
	}
	if len(req.Links) > models.MaxCardLinks {
		return fmt.Errorf("cards allow at most %d links", models.MaxCardLinks)
	}
	for _, link := range req.Links {
		if len(link.Title) > models.MaxLinkTitleLength {
			return fmt.Errorf("link title exceeds %d characters", models.MaxLinkTitleLength)
		}
		parsed, err := url.Parse(link.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("link url %q is not valid", link.URL)
		}
	}
	return nil
}

type cardRequest struct {
	DisplayName string            `json:"displayName"`
	Bio         string            `json:"bio"`
	ImageKey    string            `json:"imageKey"`
	Links       []models.CardLink `json:"links"`
}

type updateCardRequest struct {
	ID string `json:"id"`
	cardRequest
}

type deleteCardRequest struct {
	ID string `json:"id"`
}

type deleteCardResponse struct {
	ID string `json:"id"`
}

type cardView struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"ownerId"`
	DisplayName string            `json:"displayName"`
	Bio         string            `json:"bio,omitempty"`
	ImageKey    string            `json:"imageKey,omitempty"`
	Links       []models.CardLink `json:"links"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type cardResponse struct {
	Card cardView `json:"card"`
}

type cardListResponse struct {
	Cards []cardView `json:"cards"`
}

type imageResponse struct {
	Key      string `json:"key"`
	Location string `json:"location"`
}

func toCardView(card models.Card) cardView {
	links := card.Links
	if links == nil {
		links = []models.CardLink{}
	}
	return cardView{
		ID:          card.ID,
		OwnerID:     card.OwnerID,
		DisplayName: card.DisplayName,
		Bio:         card.Bio,
		ImageKey:    card.ImageKey,
		Links:       links,
		CreatedAt:   card.CreatedAt,
		UpdatedAt:   card.UpdatedAt,
	}
}

func (h CardHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}
