package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockVendorServer creates a test server that mocks vendor bot API responses.
// Handlers are keyed by URL path; unmatched paths return 404. Calls records
// how many requests hit each path, for attempt-count assertions.
type MockVendorServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockVendorServer creates a new mock vendor API server.
func NewMockVendorServer(t *testing.T) *MockVendorServer {
	t.Helper()
	m := &MockVendorServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		m.mu.Unlock()
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Calls returns how many requests hit the given path.
func (m *MockVendorServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// MockCreateBot adds a handler for POST /api/v1/bot/ returning the given bot id.
func (m *MockVendorServer) MockCreateBot(botID string) {
	m.Handlers["/api/v1/bot/"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": botID, "status": "joining_call"}) //nolint:errcheck // test mock response
	}
}

// MockBotStatus adds a handler for GET /api/v1/bot/{id}/ with the given recordings.
func (m *MockVendorServer) MockBotStatus(botID, status string, recordingIDs ...string) {
	recs := make([]map[string]string, 0, len(recordingIDs))
	for _, id := range recordingIDs {
		recs = append(recs, map[string]string{"id": id})
	}
	m.Handlers["/api/v1/bot/"+botID+"/"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": botID, "status": status, "recordings": recs}) //nolint:errcheck // test mock response
	}
}

// MockRecordingShortcuts adds a handler for GET /api/v1/recording/{id}/.
// Empty URLs are omitted from the response, matching vendor behavior.
func (m *MockVendorServer) MockRecordingShortcuts(recordingID, videoURL, audioURL string) {
	shortcuts := map[string]any{}
	if videoURL != "" {
		shortcuts["video_mixed"] = map[string]any{"data": map[string]string{"download_url": videoURL}}
	}
	if audioURL != "" {
		shortcuts["audio_mixed"] = map[string]any{"data": map[string]string{"download_url": audioURL}}
	}
	m.Handlers["/api/v1/recording/"+recordingID+"/"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": recordingID, "media_shortcuts": shortcuts}) //nolint:errcheck // test mock response
	}
}

// MockMediaList adds a handler for GET /api/v1/{kind}/ returning the given URLs.
func (m *MockVendorServer) MockMediaList(kind string, urls ...string) {
	results := make([]map[string]any, 0, len(urls))
	for _, u := range urls {
		results = append(results, map[string]any{"data": map[string]string{"download_url": u}})
	}
	m.Handlers["/api/v1/"+kind+"/"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results}) //nolint:errcheck // test mock response
	}
}
