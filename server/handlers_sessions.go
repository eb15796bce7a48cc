package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calldeck/backend/artifact"
	"github.com/calldeck/backend/db"
	"github.com/calldeck/backend/telemetry"
)

// HandleSessions serves POST /sessions (join a meeting) and GET /sessions (list).
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSessionCreate(w, r)
	case http.MethodGet:
		h.handleSessionsList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionCreate dispatches a notetaker bot into a meeting and returns
// the caller-facing tracking id. The webhook URL handed to the vendor carries
// the tracking id as a query parameter so transcript events come back tagged.
func (h *Handlers) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MeetingURL string `json:"meeting_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	body.MeetingURL = strings.TrimSpace(body.MeetingURL)
	if body.MeetingURL == "" {
		http.Error(w, "meeting_url required", http.StatusBadRequest)
		return
	}
	if _, err := url.ParseRequestURI(body.MeetingURL); err != nil {
		http.Error(w, "meeting_url must be a valid URL", http.StatusBadRequest)
		return
	}
	if err := h.cfg.ValidateVendorReady(); err != nil {
		http.Error(w, "vendor credentials not configured", http.StatusServiceUnavailable)
		return
	}

	trackingID := uuid.New().String()
	webhookURL := fmt.Sprintf("%s/webhooks/recall?session=%s",
		strings.TrimRight(h.cfg.WebhookBaseURL, "/"), url.QueryEscape(trackingID))

	bot, err := h.vendor.CreateBot(r.Context(), body.MeetingURL, webhookURL)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("bot dispatch failed",
			slog.String("meeting_url", body.MeetingURL), slog.Any("err", err))
		http.Error(w, "failed to dispatch bot", http.StatusBadGateway)
		return
	}

	if err := db.CreateSession(r.Context(), h.db, trackingID, body.MeetingURL, bot.ID); err != nil {
		// The bot is already in the meeting; surface the tracking gap loudly.
		telemetry.LoggerWithCorr(r.Context()).Error("session persist failed after dispatch",
			slog.String("tracking_id", trackingID), slog.String("bot_id", bot.ID), slog.Any("err", err))
		http.Error(w, "failed to record session", http.StatusInternalServerError)
		return
	}

	telemetry.LoggerWithCorr(r.Context()).Info("session created",
		slog.String("tracking_id", trackingID), slog.String("bot_id", bot.ID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"tracking_id": trackingID,
		"bot_id":      bot.ID,
		"status":      bot.Status,
	})
}

// handleSessionsList returns a paginated list of sessions, newest first.
func (h *Handlers) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	// Basic pagination: ?limit=50&offset=0
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	sessions, err := db.ListSessions(r.Context(), h.db, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	list := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, sessionSummary(s))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleSessionsDispatcher routes requests under /sessions/{id}/* to sub-handlers.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	// crude routing
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	trackingID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case trackingID == "" || trackingID == "/":
		http.NotFound(w, r)
	case tail == "":
		h.handleSessionDetail(w, r, trackingID)
	case tail == "resolve":
		h.handleSessionResolve(w, r, trackingID)
	default:
		http.NotFound(w, r)
	}
}

// handleSessionDetail is the polling read: lifecycle status, artifact URLs
// once resolved, and the ordered transcript so far. URLs stay absent from the
// response until resolution populates them.
func (h *Handlers) handleSessionDetail(w http.ResponseWriter, r *http.Request, trackingID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, err := db.SessionByTrackingID(r.Context(), h.db, trackingID)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lines, err := db.TranscriptLines(r.Context(), h.db, trackingID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := sessionSummary(s)
	resp["transcript"] = lines
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// defaultResolveSyncWait bounds the inline resolution attempt. Kept well
// under the server's write timeout so the 202 response can still be written
// when the vendor is slow.
const defaultResolveSyncWait = 5 * time.Second

// handleSessionResolve manually retriggers artifact resolution, for sessions
// whose terminal webhook was missed. The handler waits inline up to
// ResolveSyncWait for an outcome; past that the attempt continues in the
// background and the caller gets 202 not_ready.
func (h *Handlers) handleSessionResolve(w http.ResponseWriter, r *http.Request, trackingID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, err := db.SessionByTrackingID(r.Context(), h.db, trackingID)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.BotID == "" {
		http.Error(w, "session has no bot", http.StatusConflict)
		return
	}

	wait := h.cfg.ResolveSyncWait
	if wait <= 0 {
		wait = defaultResolveSyncWait
	}
	syncCtx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	err = h.ingestor.ResolveAndPersist(syncCtx, s.TrackingID, s.BotID)
	switch {
	case err == nil:
	case errors.Is(err, artifact.ErrRecordingNotReady), errors.Is(err, context.DeadlineExceeded):
		// Full resolution can take MaxPolls worth of vendor round trips;
		// keep working off the request path instead of holding the client.
		if errors.Is(err, context.DeadlineExceeded) {
			h.ingestor.StartResolution(s.TrackingID, s.BotID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
		return
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("manual resolution failed",
			slog.String("tracking_id", trackingID), slog.Any("err", err))
		http.Error(w, "resolution failed", http.StatusBadGateway)
		return
	}

	s, err = db.SessionByTrackingID(r.Context(), h.db, trackingID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionSummary(s))
}

// sessionSummary maps a session row to its JSON shape. Unresolved artifact
// fields are omitted rather than sent as null.
func sessionSummary(s db.Session) map[string]any {
	out := map[string]any{
		"tracking_id": s.TrackingID,
		"meeting_url": s.MeetingURL,
		"bot_id":      s.BotID,
		"status":      s.Status,
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.RecordingID != nil {
		out["recording_id"] = *s.RecordingID
	}
	if s.VideoURL != nil {
		out["video_url"] = *s.VideoURL
	}
	if s.AudioURL != nil {
		out["audio_url"] = *s.AudioURL
	}
	if s.UpdatedAt != nil {
		out["updated_at"] = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}
