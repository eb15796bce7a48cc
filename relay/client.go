package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Client publishes payloads to a running relay process. Used by the ingest
// server to push transcript fragments toward live viewers.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Publish sends one payload to the relay's broadcast endpoint. Delivery to
// individual viewers is best-effort; an error here only means the relay
// itself was unreachable or rejected the request.
func (c *Client) Publish(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/broadcast", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("relay broadcast: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
