package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/calldeck/backend/telemetry"
)

// maxWebhookBytes bounds the inbound event body. Transcript fragments are
// small; anything larger is noise or abuse.
const maxWebhookBytes = 1 << 20

// HandleWebhook ingests vendor events. The vendor redelivers on slow or
// non-2xx responses, so this handler acknowledges as fast as possible:
// signature and decode problems are the only rejections, and downstream
// persistence failures are logged rather than surfaced.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.signer != nil {
		if !h.signer.Verify(body, r.Header.Get("X-Webhook-Signature")) {
			telemetry.LoggerWithCorr(r.Context()).Warn("webhook signature rejected",
				slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	trackingID := r.URL.Query().Get("session")
	if err := h.ingestor.HandleEvent(r.Context(), trackingID, body); err != nil {
		// Ack anyway: a malformed or orphaned event will not get better on redelivery.
		telemetry.LoggerWithCorr(r.Context()).Warn("event not processed",
			slog.String("tracking_id", trackingID), slog.Any("err", err))
	}
	w.WriteHeader(http.StatusOK)
}
