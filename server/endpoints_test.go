package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calldeck/backend/artifact"
	"github.com/calldeck/backend/config"
	"github.com/calldeck/backend/crypto"
	"github.com/calldeck/backend/db"
	"github.com/calldeck/backend/ingest"
	"github.com/calldeck/backend/recallapi"
	"github.com/calldeck/backend/testutil"
)

// testEnv wires a full handler stack against the mock vendor API and an
// in-memory database, with resolution budgets shrunk for test speed.
type testEnv struct {
	mock    *testutil.MockVendorServer
	db      *sql.DB
	cfg     *config.Config
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithSecret(t, "")
}

// newTestEnvWithSecret is for webhook signature tests; the signer is fixed at
// handler construction, so the secret has to be known up front.
func newTestEnvWithSecret(t *testing.T, webhookSecret string) *testEnv {
	t.Helper()
	mock := testutil.NewMockVendorServer(t)
	dbc := testutil.SetupTestDB(t)
	cfg := &config.Config{
		RecallAPIKey:        "test-key",
		RecallBaseURL:       mock.URL,
		BotName:             "calldeck notetaker",
		WebhookBaseURL:      "http://localhost:8080",
		WebhookSecret:       webhookSecret,
		ResolvePollInterval: time.Millisecond,
		ResolveMaxPolls:     3,
		MediaRetryInterval:  time.Millisecond,
		MediaMaxAttempts:    2,
		ResolveSyncWait:     100 * time.Millisecond,
	}
	client := &recallapi.Client{BaseURL: mock.URL, APIKey: cfg.RecallAPIKey, BotName: cfg.BotName}
	resolver := &artifact.Resolver{
		Client:        client,
		PollInterval:  cfg.ResolvePollInterval,
		MaxPolls:      cfg.ResolveMaxPolls,
		MediaInterval: cfg.MediaRetryInterval,
		MediaAttempts: cfg.MediaMaxAttempts,
	}
	ingestor := ingest.New(context.Background(), dbc, resolver, nil)
	handlers := NewHandlers(context.Background(), dbc, cfg, client, ingestor)
	return &testEnv{
		mock:    mock,
		db:      dbc,
		cfg:     cfg,
		handler: NewMux(context.Background(), handlers),
	}
}

func (e *testEnv) do(method, path string, body []byte) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHealthzOK(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestReadyzMissingCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.RecallAPIKey = ""
	rr := env.do(http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["failed_check"] != "vendor_credentials" {
		t.Fatalf("expected vendor_credentials check to fail, got %q", resp["failed_check"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Error("metrics returned empty response")
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent && w.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want 204 or 200", w.Code)
	}
	for _, h := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Allow-Headers"} {
		if w.Result().Header.Get(h) == "" {
			t.Errorf("missing CORS header: %s", h)
		}
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Result().Header.Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("correlation id = %q, want corr-123", got)
	}
}

func TestSessionCreate(t *testing.T) {
	env := newTestEnv(t)
	env.mock.MockCreateBot("bot-42")

	rr := env.do(http.MethodPost, "/sessions", []byte(`{"meeting_url":"https://zoom.us/j/123"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["tracking_id"] == "" {
		t.Fatal("missing tracking_id")
	}
	if resp["bot_id"] != "bot-42" {
		t.Fatalf("bot_id = %q, want bot-42", resp["bot_id"])
	}

	s, err := db.SessionByTrackingID(context.Background(), env.db, resp["tracking_id"])
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if s.BotID != "bot-42" {
		t.Fatalf("persisted bot_id = %q", s.BotID)
	}
}

func TestSessionCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing url", `{}`, http.StatusBadRequest},
		{"not a url", `{"meeting_url":"not a url"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(http.MethodPost, "/sessions", []byte(tc.body))
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestSessionCreateVendorDown(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Handlers["/api/v1/bot/"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}
	rr := env.do(http.MethodPost, "/sessions", []byte(`{"meeting_url":"https://zoom.us/j/123"}`))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func TestSessionDetailNotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/sessions/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSessionList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := db.CreateSession(ctx, env.db, "t1", "https://zoom.us/j/1", "b1"); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateSession(ctx, env.db, "t2", "https://zoom.us/j/2", "b2"); err != nil {
		t.Fatal(err)
	}

	rr := env.do(http.MethodGet, "/sessions?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
}

func TestWebhookRequiresPost(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/webhooks/recall", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestWebhookAcksMalformedEvent(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodPost, "/webhooks/recall", []byte(`not json`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d", rr.Code)
	}
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnvWithSecret(t, "sekrit")
	payload := []byte(`{"event":"bot.status_change","data":{"status":"in_call","bot_id":"b1"}}`)

	rr := env.do(http.MethodPost, "/webhooks/recall", payload)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request: expected 401, got %d", rr.Code)
	}

	signer, err := crypto.NewSigner("sekrit")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/recall", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", signer.Sign(payload))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("signed request: expected 200, got %d", w.Code)
	}
}

func TestResolveNotReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := db.CreateSession(ctx, env.db, "t1", "https://zoom.us/j/1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	env.mock.MockBotStatus("bot-1", "done") // no recordings

	rr := env.do(http.MethodPost, "/sessions/t1/resolve", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "not_ready" {
		t.Fatalf("status = %q, want not_ready", resp["status"])
	}
}

func TestResolveSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := db.CreateSession(ctx, env.db, "t1", "https://zoom.us/j/1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	env.mock.MockBotStatus("bot-1", "done", "rec-1")
	env.mock.MockRecordingShortcuts("rec-1", "https://cdn.example/v.mp4", "")
	env.mock.MockMediaList("audio_mixed") // empty results, audio stays absent

	rr := env.do(http.MethodPost, "/sessions/t1/resolve", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["video_url"] != "https://cdn.example/v.mp4" {
		t.Fatalf("video_url = %v", resp["video_url"])
	}
	if _, present := resp["audio_url"]; present {
		t.Fatal("audio_url should be absent")
	}
}

// A stalled vendor must not hold the retrigger request open until the
// server's write timeout kills the connection: once the inline budget
// expires the handler answers 202 and finishes in the background.
func TestResolveAnswersWhileVendorStalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := db.CreateSession(ctx, env.db, "t1", "https://zoom.us/j/1", "bot-1"); err != nil {
		t.Fatal(err)
	}
	env.mock.MockBotStatus("bot-1", "done", "rec-1")
	env.mock.MockRecordingShortcuts("rec-1", "https://cdn.example/v.mp4", "https://cdn.example/a.mp3")

	// First bot lookup stalls well past the inline budget; later lookups
	// (from the background attempt) answer immediately.
	ready := env.mock.Handlers["/api/v1/bot/bot-1/"]
	var botCalls int32
	env.mock.Handlers["/api/v1/bot/bot-1/"] = func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&botCalls, 1) == 1 {
			time.Sleep(500 * time.Millisecond)
		}
		ready(w, r)
	}

	start := time.Now()
	rr := env.do(http.MethodPost, "/sessions/t1/resolve", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if elapsed := time.Since(start); elapsed >= 500*time.Millisecond {
		t.Fatalf("response took %v, should return once the inline budget expires", elapsed)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "not_ready" {
		t.Fatalf("status = %q, want not_ready", resp["status"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := db.SessionByTrackingID(ctx, env.db, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if s.VideoURL != nil {
			if *s.VideoURL != "https://cdn.example/v.mp4" {
				t.Fatalf("video_url = %q", *s.VideoURL)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background attempt never persisted the artifacts")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveRateLimited(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		if rr := env.do(http.MethodPost, "/sessions/ghost/resolve", nil); rr.Code != http.StatusNotFound {
			t.Fatalf("request %d: expected 404, got %d", i, rr.Code)
		}
	}
	rr := env.do(http.MethodPost, "/sessions/ghost/resolve", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := NewHandlers(ctx, env.db, env.cfg, nil, nil)
	done := make(chan error, 1)
	go func() { done <- Start(ctx, ":0", handlers) }()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
