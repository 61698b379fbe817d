package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	maxPayloadBytes = 8 << 20

	HeaderDistinctID    = "X-Flagsync-Distinct-Id"
	HeaderDevModeSecret = "X-Flagsync-Dev-Mode-Secret"
)

// HTTPTransport fetches configuration from GET {BaseURL}/configuration/{apiKey}.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

func (h *HTTPTransport) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if h.BaseURL == "" {
		return nil, errors.New("no base url set")
	}
	base, err := url.Parse(h.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	u := base.JoinPath("configuration", url.PathEscape(req.APIKey))
	q := u.Query()
	if req.Version != "" {
		q.Set("version", req.Version)
	}
	if req.Platform != "" {
		q.Set("platform", req.Platform)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.DistinctID != "" {
		httpReq.Header.Set(HeaderDistinctID, req.DistinctID)
	}
	if req.DevModeSecret != "" {
		httpReq.Header.Set(HeaderDevModeSecret, req.DevModeSecret)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u.Redacted())
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
