package app

import (
	"time"

	"github.com/cardlink/backend/internal/auth"
	"github.com/cardlink/backend/internal/config"
	"github.com/cardlink/backend/internal/db"
	"github.com/cardlink/backend/internal/exchange"
	"github.com/cardlink/backend/internal/handlers"
	"github.com/cardlink/backend/internal/mail"
	"github.com/cardlink/backend/internal/repositories"
)

// buildDependencies wires together concrete implementations used by the HTTP
// handlers. The image store is attached separately by the caller because its
// construction can fail.
func buildDependencies(pool db.Pool, cfg config.Config) handlers.Dependencies {
	sessionStore := repositories.NewPostgresSessionStore(pool)
	cards := repositories.NewPostgresCardRepository(pool)
	ledger := repositories.NewPostgresLedgerRepository(pool)
	logs := repositories.NewPostgresExchangeLogRepository(pool)
	tokenRecords := repositories.NewPostgresTokenRepository(pool)
	proximityRecords := repositories.NewPostgresProximityRepository(pool)

	tokens := exchange.NewTokenStore(tokenRecords, cards, cfg.QRTokenTTL)
	engine := exchange.NewEngine(cards, ledger, logs, tokens)
	signer := exchange.NewLinkSigner(cfg.ShareLinkSecret, cfg.ShareLinkTTL, cfg.ShareLinkBaseURL)
	proximity := exchange.NewProximityService(proximityRecords, cards, engine, cfg.ProximityTTL)
	feed := exchange.NewFeed(logs)

	var mailer handlers.Mailer = mail.NoopMailer{}
	if cfg.Mail.Host != "" {
		mailer = mail.NewSMTPMailer(cfg.Mail)
	}

	return handlers.Dependencies{
		Users:    repositories.NewPostgresUserRepository(pool),
		Sessions: auth.NewManager(15*time.Minute, 24*time.Hour, sessionStore),
		Cards:    cards,
		Ledger:   ledger,
		Mail:     mailer,

		Tokens:    tokens,
		Engine:    engine,
		Links:     signer,
		Proximity: proximity,
		Feed:      feed,
	}
}
