// Package ingest classifies inbound vendor events and dispatches them:
// transcript fragments are persisted and forwarded to the broadcast relay,
// lifecycle events update session state and, on terminal completion, kick off
// asynchronous artifact resolution.
//
// The event source redelivers on slow or failed acknowledgment, so every path
// here is built to fast-ack: downstream persistence or broadcast failures are
// logged and swallowed, never propagated back to the source, and resolution
// (which can take tens of seconds of vendor polling) always runs off the
// request path.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calldeck/backend/artifact"
	"github.com/calldeck/backend/db"
	"github.com/calldeck/backend/telemetry"
)

// UnknownSpeaker is persisted when a transcript fragment carries no speaker label.
const UnknownSpeaker = "Unknown speaker"

// Vendor event names.
const (
	EventTranscriptData        = "transcript.data"
	EventTranscriptPartialData = "transcript.partial_data"
	EventBotStatusChange       = "bot.status_change"
)

// StatusDone is the terminal lifecycle status that triggers artifact resolution.
const StatusDone = "done"

// relayTimeout bounds the forward to the broadcast relay so a stuck relay
// cannot push the webhook past its acknowledgment deadline.
const relayTimeout = 5 * time.Second

// Publisher pushes a payload toward live viewers.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Event is the inbound webhook envelope.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type transcriptData struct {
	Text      string `json:"text"`
	Speaker   string `json:"speaker"`
	Timestamp string `json:"timestamp"`
}

type statusData struct {
	Status string `json:"status"`
	BotID  string `json:"bot_id"`
}

// Ingestor dispatches inbound events. The base context bounds background
// resolution tasks to the process lifetime, not to any single request.
type Ingestor struct {
	DB       *sql.DB
	Resolver *artifact.Resolver
	Relay    Publisher

	baseCtx context.Context

	// inflight suppresses concurrent duplicate resolutions per session.
	// Duplicate deliveries that don't overlap are handled by the
	// last-write-wins upsert instead.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an Ingestor. ctx is the process root context; background
// resolution tasks stop when it is canceled. relay may be nil (broadcast
// disabled).
func New(ctx context.Context, dbc *sql.DB, resolver *artifact.Resolver, relay Publisher) *Ingestor {
	return &Ingestor{
		DB:       dbc,
		Resolver: resolver,
		Relay:    relay,
		baseCtx:  ctx,
		inflight: make(map[string]struct{}),
	}
}

// HandleEvent classifies and dispatches one inbound event. trackingID tags
// transcript fragments to their session; lifecycle events locate their
// session by bot id instead. The returned error is for tests and logs only;
// webhook handlers ack regardless.
func (in *Ingestor) HandleEvent(ctx context.Context, trackingID string, raw []byte) error {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if telemetry.WebhookEvents != nil {
		telemetry.WebhookEvents.Inc()
	}
	_ = db.SetKV(ctx, in.DB, "webhook_last_received", time.Now().UTC().Format(time.RFC3339))

	switch evt.Event {
	case EventTranscriptData, EventTranscriptPartialData:
		return in.handleTranscript(ctx, trackingID, evt, raw)
	case EventBotStatusChange:
		return in.handleStatusChange(ctx, evt)
	default:
		slog.Debug("ignoring unknown event", slog.String("event", evt.Event))
		return nil
	}
}

func (in *Ingestor) handleTranscript(ctx context.Context, trackingID string, evt Event, raw []byte) error {
	if trackingID == "" {
		return fmt.Errorf("transcript event without session tag")
	}
	var data transcriptData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return fmt.Errorf("decode transcript data: %w", err)
	}
	speaker := data.Speaker
	if speaker == "" {
		speaker = UnknownSpeaker
	}
	spokenAt := time.Now().UTC()
	if data.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, data.Timestamp); err == nil {
			spokenAt = t.UTC()
		}
	}
	final := evt.Event == EventTranscriptData

	if err := db.InsertTranscriptLine(ctx, in.DB, trackingID, speaker, data.Text, spokenAt, final); err != nil {
		// Storage failure must not surface to the event source.
		telemetry.LoggerWithCorr(ctx).Error("transcript persist failed",
			slog.String("tracking_id", trackingID), slog.Any("err", err))
		return nil
	}
	if telemetry.TranscriptLines != nil {
		telemetry.TranscriptLines.Inc()
	}

	in.forward(ctx, trackingID, raw)
	return nil
}

// forward pushes the raw payload to the broadcast relay, best-effort.
func (in *Ingestor) forward(ctx context.Context, trackingID string, raw []byte) {
	if in.Relay == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	if err := in.Relay.Publish(pubCtx, raw); err != nil {
		if telemetry.BroadcastsFailed != nil {
			telemetry.BroadcastsFailed.Inc()
		}
		telemetry.LoggerWithCorr(ctx).Warn("relay forward failed",
			slog.String("tracking_id", trackingID), slog.Any("err", err))
		return
	}
	if telemetry.BroadcastsForwarded != nil {
		telemetry.BroadcastsForwarded.Inc()
	}
}

func (in *Ingestor) handleStatusChange(ctx context.Context, evt Event) error {
	var data statusData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return fmt.Errorf("decode status data: %w", err)
	}
	if data.BotID == "" {
		return fmt.Errorf("status event without bot id")
	}
	if err := db.SetSessionStatus(ctx, in.DB, data.BotID, data.Status); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("status persist failed",
			slog.String("bot_id", data.BotID), slog.Any("err", err))
	}
	if data.Status != StatusDone {
		return nil
	}

	session, err := db.SessionByBotID(ctx, in.DB, data.BotID)
	if err != nil {
		return fmt.Errorf("session lookup for bot %s: %w", data.BotID, err)
	}
	in.StartResolution(session.TrackingID, session.BotID)
	return nil
}

// StartResolution launches resolution for a session as an independent
// background task. A resolution already in flight for the same session makes
// this a no-op, which absorbs rapid duplicate terminal-event deliveries.
func (in *Ingestor) StartResolution(trackingID, botID string) {
	if !in.acquire(trackingID) {
		slog.Debug("resolution already in flight", slog.String("tracking_id", trackingID))
		return
	}
	go func() {
		defer in.release(trackingID)
		if err := in.ResolveAndPersist(in.baseCtx, trackingID, botID); err != nil {
			slog.Warn("background resolution incomplete",
				slog.String("tracking_id", trackingID), slog.Any("err", err))
		}
	}()
}

// ResolveAndPersist runs the artifact resolver for a session and upserts the
/// result. Safe to run repeatedly for the same session: persistence is a
// last-write-wins upsert keyed by tracking id. ErrRecordingNotReady is a soft
// outcome; the sweep job or an operator retrigger will come back for it.
func (in *Ingestor) ResolveAndPersist(ctx context.Context, trackingID, botID string) error {
	if telemetry.ResolutionsStarted != nil {
		telemetry.ResolutionsStarted.Inc()
	}
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("tracking_id", trackingID), slog.String("bot_id", botID))

	var recordingID string
	var art artifact.Artifacts
	var err error
	telemetry.TimeFunc(telemetry.ResolutionDuration, func() {
		recordingID, art, err = in.Resolver.Resolve(ctx, botID)
	})
	if err != nil {
		if errors.Is(err, artifact.ErrRecordingNotReady) {
			if telemetry.ResolutionsNotReady != nil {
				telemetry.ResolutionsNotReady.Inc()
			}
			logger.Info("recording not ready, will retry later")
			return err
		}
		if telemetry.ResolutionsFailed != nil {
			telemetry.ResolutionsFailed.Inc()
		}
		return fmt.Errorf("resolve artifacts: %w", err)
	}

	if err := db.SetSessionArtifacts(ctx, in.DB, trackingID, recordingID, art.VideoURL, art.AudioURL); err != nil {
		if telemetry.ResolutionsFailed != nil {
			telemetry.ResolutionsFailed.Inc()
		}
		return err
	}
	if telemetry.ResolutionsSucceeded != nil {
		telemetry.ResolutionsSucceeded.Inc()
	}
	logger.Info("artifacts resolved",
		slog.String("recording_id", recordingID),
		slog.Bool("video", art.VideoURL != ""),
		slog.Bool("audio", art.AudioURL != ""))
	return nil
}

func (in *Ingestor) acquire(trackingID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, busy := in.inflight[trackingID]; busy {
		return false
	}
	in.inflight[trackingID] = struct{}{}
	return true
}

func (in *Ingestor) release(trackingID string) {
	in.mu.Lock()
	delete(in.inflight, trackingID)
	in.mu.Unlock()
}
