// Package artifact converts a vendor bot id into durable media download URLs,
// tolerating the vendor's asynchronous post-processing delay.
//
// Resolution is two sequential wait loops with independent budgets: first wait
// for a recording id to exist on the bot, then wait for each media kind to
// finish encoding. "Recording exists" and "artifact finished encoding" are
// distinct vendor-side completion events with different expected latencies, so
// they get separate retry budgets.
package artifact

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/calldeck/backend/recallapi"
	"github.com/calldeck/backend/telemetry"
)

// ErrRecordingNotReady means the recording-id wait loop ran out of attempts.
// It is a recoverable "try again later" outcome, not a fatal failure; the
// manual retrigger endpoint and the sweep job both re-attempt it.
var ErrRecordingNotReady = errors.New("recording id not available yet")

// Default budgets. Tuning knobs, not contracts; override per Resolver.
const (
	DefaultPollInterval  = 3 * time.Second
	DefaultMaxPolls      = 20
	DefaultMediaInterval = 5 * time.Second
	DefaultMediaAttempts = 10
)

// VendorClient is the slice of the vendor API the resolver needs.
type VendorClient interface {
	GetBot(ctx context.Context, botID string) (recallapi.Bot, error)
	GetRecordingShortcuts(ctx context.Context, recordingID string) (recallapi.MediaShortcuts, error)
	GetMediaByType(ctx context.Context, recordingID, kind string) (string, error)
}

// Artifacts holds resolved download URLs. Empty string means absent: that
// media kind never finished within the retry budget. Video and audio resolve
// independently; one being absent never blocks the other.
type Artifacts struct {
	VideoURL string
	AudioURL string
}

// Resolver polls the vendor for post-call artifacts. Zero-valued budget fields
// fall back to the package defaults.
type Resolver struct {
	Client        VendorClient
	PollInterval  time.Duration
	MaxPolls      int
	MediaInterval time.Duration
	MediaAttempts int
}

func (r *Resolver) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return DefaultPollInterval
}

func (r *Resolver) maxPolls() int {
	if r.MaxPolls > 0 {
		return r.MaxPolls
	}
	return DefaultMaxPolls
}

func (r *Resolver) mediaInterval() time.Duration {
	if r.MediaInterval > 0 {
		return r.MediaInterval
	}
	return DefaultMediaInterval
}

func (r *Resolver) mediaAttempts() int {
	if r.MediaAttempts > 0 {
		return r.MediaAttempts
	}
	return DefaultMediaAttempts
}

// AwaitRecordingID polls bot status until the vendor reports at least one
// recording, up to MaxPolls attempts. Vendor errors consume an attempt; the
// bound is on calls made, not successes. On exhaustion it returns
// ErrRecordingNotReady.
func (r *Resolver) AwaitRecordingID(ctx context.Context, botID string) (string, error) {
	for attempt := 1; attempt <= r.maxPolls(); attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.pollInterval()):
			}
		}
		bot, err := r.Client.GetBot(ctx, botID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			slog.Warn("bot status poll failed", slog.String("bot_id", botID), slog.Int("attempt", attempt), slog.Any("err", err))
			continue
		}
		if len(bot.Recordings) > 0 {
			return bot.Recordings[0].ID, nil
		}
	}
	return "", ErrRecordingNotReady
}

// ResolveArtifacts resolves download URLs for video and audio. The fast path
// (pre-signed shortcuts) is consulted once; any kind the shortcuts cover skips
// its fallback loop entirely. The remaining kinds fall back to the per-type
// listing endpoint, retried on a fixed interval because the vendor may still
// be transcoding. A kind that exhausts its budget resolves to absent, never an
// error.
func (r *Resolver) ResolveArtifacts(ctx context.Context, recordingID string) (Artifacts, error) {
	var shortcuts recallapi.MediaShortcuts
	sc, err := r.Client.GetRecordingShortcuts(ctx, recordingID)
	if err != nil {
		if ctx.Err() != nil {
			return Artifacts{}, ctx.Err()
		}
		slog.Warn("shortcut lookup failed, using fallback path", slog.String("recording_id", recordingID), slog.Any("err", err))
	} else {
		shortcuts = sc
	}

	var art Artifacts
	art.VideoURL, err = r.resolveMedia(ctx, recordingID, recallapi.MediaVideoMixed, shortcuts.VideoURL)
	if err != nil {
		return Artifacts{}, err
	}
	art.AudioURL, err = r.resolveMedia(ctx, recordingID, recallapi.MediaAudioMixed, shortcuts.AudioURL)
	if err != nil {
		return Artifacts{}, err
	}
	return art, nil
}

// resolveMedia resolves one media kind. Only context cancellation is an error;
// exhaustion yields ("", nil).
func (r *Resolver) resolveMedia(ctx context.Context, recordingID, kind, shortcutURL string) (string, error) {
	if shortcutURL != "" {
		return shortcutURL, nil
	}
	for attempt := 1; attempt <= r.mediaAttempts(); attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.mediaInterval()):
			}
		}
		url, err := r.Client.GetMediaByType(ctx, recordingID, kind)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			slog.Warn("media lookup failed", slog.String("recording_id", recordingID), slog.String("kind", kind), slog.Int("attempt", attempt), slog.Any("err", err))
			continue
		}
		if url != "" {
			return url, nil
		}
	}
	slog.Info("media kind unresolved after retry budget", slog.String("recording_id", recordingID), slog.String("kind", kind), slog.Int("attempts", r.mediaAttempts()))
	return "", nil
}

// Resolve composes both wait loops: bot id -> recording id -> artifact URLs.
func (r *Resolver) Resolve(ctx context.Context, botID string) (string, Artifacts, error) {
	ctx, span := telemetry.StartSpan(ctx, "artifact-resolver", "resolve",
		attribute.String("bot_id", botID))
	defer span.End()

	recordingID, err := r.AwaitRecordingID(ctx, botID)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", Artifacts{}, err
	}
	span.SetAttributes(attribute.String("recording_id", recordingID))

	art, err := r.ResolveArtifacts(ctx, recordingID)
	if err != nil {
		telemetry.RecordError(span, err)
		return recordingID, Artifacts{}, err
	}
	telemetry.SetSpanSuccess(span)
	return recordingID, art, nil
}
