// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"

	"github.com/calldeck/backend/config"
	"github.com/calldeck/backend/crypto"
	"github.com/calldeck/backend/ingest"
	"github.com/calldeck/backend/recallapi"
)

// BotCreator is the slice of the vendor API the join handler needs.
type BotCreator interface {
	CreateBot(ctx context.Context, meetingURL, webhookURL string) (recallapi.Bot, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	ctx      context.Context
	cfg      *config.Config
	vendor   BotCreator
	ingestor *ingest.Ingestor

	// signer verifies webhook signatures; nil when no secret is configured.
	signer *crypto.Signer
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// The webhook signer is built once here; the secret does not change at runtime.
func NewHandlers(ctx context.Context, db *sql.DB, cfg *config.Config, vendor BotCreator, ingestor *ingest.Ingestor) *Handlers {
	h := &Handlers{
		db:       db,
		ctx:      ctx,
		cfg:      cfg,
		vendor:   vendor,
		ingestor: ingestor,
	}
	if cfg != nil && cfg.WebhookSecret != "" {
		// NewSigner only fails on an empty secret, which is guarded above.
		h.signer, _ = crypto.NewSigner(cfg.WebhookSecret)
	}
	return h
}
