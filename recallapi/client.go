// Package recallapi contains a minimal client for the external meeting-bot
// vendor: dispatching a bot into a call, reading bot status, and resolving
// post-call media download URLs.
package recallapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Media kinds accepted by GetMediaByType. These are vendor endpoint names.
const (
	MediaVideoMixed = "video_mixed"
	MediaAudioMixed = "audio_mixed"
)

// APIError is a non-success response from the vendor. Callers decide whether
// to retry; the artifact resolver retries only within its fixed budgets.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vendor api: status %d: %s", e.StatusCode, e.Body)
}

// Bot is the vendor's view of a dispatched meeting bot.
type Bot struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Recordings []Recording `json:"recordings"`
}

// Recording appears on a bot only after the vendor has begun producing a
// downloadable artifact.
type Recording struct {
	ID string `json:"id"`
}

// MediaShortcuts are the pre-signed download URLs from the vendor's fast
// lookup path. Either field may be empty when the vendor has not finished
// transcoding that kind.
type MediaShortcuts struct {
	VideoURL string
	AudioURL string
}

// Client issues authenticated requests to the vendor API. The credential is a
// single static opaque token carried on every request.
type Client struct {
	BaseURL    string
	APIKey     string
	BotName    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Token "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateBot dispatches a bot to join the given meeting. webhookURL receives
// both transcript fragments and lifecycle status events for this bot.
func (c *Client) CreateBot(ctx context.Context, meetingURL, webhookURL string) (Bot, error) {
	if meetingURL == "" {
		return Bot{}, fmt.Errorf("meeting url empty")
	}
	payload := map[string]any{
		"meeting_url": meetingURL,
		"bot_name":    c.BotName,
		"recording_config": map[string]any{
			"transcript": map[string]any{"provider": map[string]any{"meeting_captions": map[string]any{}}},
			"realtime_endpoints": []map[string]any{
				{"type": "webhook", "url": webhookURL, "events": []string{"transcript.data", "transcript.partial_data"}},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Bot{}, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/bot/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	var bot Bot
	if err := c.do(req, &bot); err != nil {
		return Bot{}, err
	}
	if bot.ID == "" {
		return Bot{}, fmt.Errorf("vendor returned bot without id")
	}
	return bot, nil
}

// GetBot fetches current bot state, including any recordings produced so far.
func (c *Client) GetBot(ctx context.Context, botID string) (Bot, error) {
	if botID == "" {
		return Bot{}, fmt.Errorf("bot id empty")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/bot/"+botID+"/", nil)
	var bot Bot
	if err := c.do(req, &bot); err != nil {
		return Bot{}, err
	}
	return bot, nil
}

// GetRecordingShortcuts fetches the recording's pre-signed media shortcut URLs
// (fast path). Missing shortcuts are returned as empty strings, not errors.
func (c *Client) GetRecordingShortcuts(ctx context.Context, recordingID string) (MediaShortcuts, error) {
	if recordingID == "" {
		return MediaShortcuts{}, fmt.Errorf("recording id empty")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/recording/"+recordingID+"/", nil)
	var body struct {
		MediaShortcuts struct {
			VideoMixed *mediaEntry `json:"video_mixed"`
			AudioMixed *mediaEntry `json:"audio_mixed"`
		} `json:"media_shortcuts"`
	}
	if err := c.do(req, &body); err != nil {
		return MediaShortcuts{}, err
	}
	var out MediaShortcuts
	if body.MediaShortcuts.VideoMixed != nil {
		out.VideoURL = body.MediaShortcuts.VideoMixed.Data.DownloadURL
	}
	if body.MediaShortcuts.AudioMixed != nil {
		out.AudioURL = body.MediaShortcuts.AudioMixed.Data.DownloadURL
	}
	return out, nil
}

type mediaEntry struct {
	Data struct {
		DownloadURL string `json:"download_url"`
	} `json:"data"`
}

// GetMediaByType lists artifacts of one kind for a recording (slow fallback
// path). Returns an empty URL when the vendor has not finished producing the
// artifact yet.
func (c *Client) GetMediaByType(ctx context.Context, recordingID, kind string) (string, error) {
	if recordingID == "" {
		return "", fmt.Errorf("recording id empty")
	}
	if kind != MediaVideoMixed && kind != MediaAudioMixed {
		return "", fmt.Errorf("unknown media kind %q", kind)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/"+kind+"/", nil)
	q := req.URL.Query()
	q.Set("recording_id", recordingID)
	req.URL.RawQuery = q.Encode()
	var body struct {
		Results []mediaEntry `json:"results"`
	}
	if err := c.do(req, &body); err != nil {
		return "", err
	}
	if len(body.Results) == 0 {
		return "", nil
	}
	return body.Results[0].Data.DownloadURL, nil
}
