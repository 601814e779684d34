package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPConfig configures a JSON-over-HTTP provider.
type HTTPConfig struct {
	Name     string
	Endpoint string
	Token    string
	From     string
}

// HTTPProvider posts {to, from, text, dispatch_id, task_id, ack_digit} to
// Endpoint and expects {"ref": "..."} (or {"id": "..."}) on 2xx.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPProvider(cfg HTTPConfig, client *http.Client) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("provider endpoint is empty")
	}
	if cfg.Name == "" {
		cfg.Name = "provider"
	}
	if client == nil {
		// Per-call deadlines come from the Set; this is a backstop.
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTTPProvider{cfg: cfg, client: client}, nil
}

type providerRequest struct {
	To         string `json:"to"`
	From       string `json:"from,omitempty"`
	Text       string `json:"text"`
	DispatchID string `json:"dispatch_id"`
	TaskID     string `json:"task_id"`
	AckDigit   string `json:"ack_digit,omitempty"`
}

type providerResponse struct {
	Ref string `json:"ref"`
	ID  string `json:"id"`
}

func (h *HTTPProvider) Send(ctx context.Context, recipient string, p Payload) (Receipt, error) {
	body, err := json.Marshal(providerRequest{
		To:         recipient,
		From:       h.cfg.From,
		Text:       p.Text,
		DispatchID: p.DispatchID,
		TaskID:     p.TaskID,
		AckDigit:   p.AckDigit,
	})
	if err != nil {
		return Receipt{}, NoRetry(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.DispatchID)
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s: %w", h.cfg.Name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return Receipt{}, &ProviderError{
			Provider:   h.cfg.Name,
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	// Any 2xx is an accepted send. An unreadable body only costs the ref;
	// callers fall back to the dispatch id.
	var out providerResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	ref := out.Ref
	if ref == "" {
		ref = out.ID
	}
	return Receipt{Ref: ref}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
