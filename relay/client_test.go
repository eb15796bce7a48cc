package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientPublish(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/broadcast" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"delivered":0}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	if err := c.Publish(context.Background(), []byte(`{"line":"hi"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if string(got) != `{"line":"hi"}` {
		t.Errorf("relay received %q, want original payload", got)
	}
}

func TestClientPublishErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	err := c.Publish(context.Background(), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}
