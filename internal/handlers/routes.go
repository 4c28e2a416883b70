package handlers

import (
	"net/http"

	"github.com/cardlink/backend/internal/exchange"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Users    UserStore
	Sessions SessionManager
	Cards    CardStore
	Ledger   LedgerStore
	Images   ImageStorage
	Mail     Mailer

	Tokens    *exchange.TokenStore
	Engine    *exchange.Engine
	Links     *exchange.LinkSigner
	Proximity *exchange.ProximityService
	Feed      *exchange.Feed

	AuthLimiter  RateLimiter
	IssueLimiter RateLimiter
}

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{}
	auth := AuthHandler{Users: deps.Users, Sessions: deps.Sessions, Mail: deps.Mail, Limiter: deps.AuthLimiter}
	cards := CardHandler{Cards: deps.Cards, Sessions: deps.Sessions, Images: deps.Images}
	exch := ExchangeHandler{
		Sessions: deps.Sessions,
		Cards:    deps.Cards,
		Tokens:   deps.Tokens,
		Engine:   deps.Engine,
		Links:    deps.Links,
		Limiter:  deps.IssueLimiter,
	}
	collection := CollectionHandler{Ledger: deps.Ledger, Sessions: deps.Sessions}
	proximity := ProximityHandler{Proximity: deps.Proximity, Sessions: deps.Sessions}
	feed := FeedHandler{Feed: deps.Feed, Sessions: deps.Sessions}

	mux.HandleFunc("/healthz", health.Handle)

	mux.HandleFunc("/api/v1/auth/signup", auth.SignUp)
	mux.HandleFunc("/api/v1/auth/login", auth.Login)
	mux.HandleFunc("/api/v1/auth/refresh", auth.Refresh)

	mux.HandleFunc("/api/v1/cards", cards.Handle)
	mux.HandleFunc("/api/v1/cards/get", cards.Get)
	mux.HandleFunc("/api/v1/cards/update", cards.Update)
	mux.HandleFunc("/api/v1/cards/delete", cards.Delete)
	mux.HandleFunc("/api/v1/cards/image", cards.Image)

	mux.HandleFunc("/api/v1/exchange/qr", exch.IssueQR)
	mux.HandleFunc("/api/v1/exchange/url", exch.IssueLink)
	mux.HandleFunc("/api/v1/exchange/redeem", exch.Redeem)
	mux.HandleFunc("/api/v1/exchange/link", exch.RedeemLink)
	mux.HandleFunc("/api/v1/exchange/collect", exch.Collect)

	mux.HandleFunc("/api/v1/collection", collection.List)
	mux.HandleFunc("/api/v1/collection/update", collection.Update)
	mux.HandleFunc("/api/v1/collection/remove", collection.Remove)

	mux.HandleFunc("/api/v1/proximity/send", proximity.Send)
	mux.HandleFunc("/api/v1/proximity/respond", proximity.Respond)
	mux.HandleFunc("/api/v1/proximity", proximity.List)

	mux.HandleFunc("/api/v1/feed", feed.List)
	mux.HandleFunc("/api/v1/feed/delete", feed.Delete)
}
