package server

import (
	"encoding/json"
	"net/http"

	"github.com/calldeck/backend/db"
)

// HandleStatus returns a lightweight operational summary: session counts,
// sessions still awaiting artifacts, and background job heartbeats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	if n, err := db.CountSessions(ctx, h.db); err == nil {
		resp["sessions"] = n
	}
	if n, err := db.CountTranscriptLines(ctx, h.db); err == nil {
		resp["transcript_lines"] = n
	}
	if pending, err := db.PendingArtifactSessions(ctx, h.db, 100); err == nil {
		resp["pending_artifacts"] = len(pending)
	}

	// Job and webhook heartbeats
	if last, err := db.GetKV(ctx, h.db, "job_artifact_sweep_last"); err == nil && last != "" {
		resp["last_sweep_run"] = last
	}
	if last, err := db.GetKV(ctx, h.db, "webhook_last_received"); err == nil && last != "" {
		resp["last_webhook_received"] = last
	}

	// Resolution budgets in effect
	resp["resolution_config"] = map[string]any{
		"poll_interval":        h.cfg.ResolvePollInterval.String(),
		"max_polls":            h.cfg.ResolveMaxPolls,
		"media_retry_interval": h.cfg.MediaRetryInterval.String(),
		"media_max_attempts":   h.cfg.MediaMaxAttempts,
		"sync_wait":            h.cfg.ResolveSyncWait.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
