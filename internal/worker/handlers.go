package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	TypeNoop    = "noop"
	TypeWebhook = "webhook"
)

// RegisterBuiltins adds the handlers every deployment ships with.
func RegisterBuiltins(r *Registry, client *http.Client) {
	r.Register(TypeNoop, Noop)
	r.Register(TypeWebhook, NewWebhook(client))
}

func Noop(ctx context.Context, _ json.RawMessage) error {
	return ctx.Err()
}

type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// NewWebhook returns a handler that sends payload.body to payload.url.
// 4xx responses are permanent failures, 5xx and transport errors are retried.
func NewWebhook(client *http.Client) HandlerFunc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, payload json.RawMessage) error {
		var p webhookPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Permanent(fmt.Errorf("invalid webhook payload: %w", err))
		}
		if p.URL == "" {
			return Permanent(errors.New("webhook payload is missing url"))
		}
		if p.Method == "" {
			p.Method = http.MethodPost
		}

		var body io.Reader
		if len(p.Body) > 0 {
			body = bytes.NewReader(p.Body)
		}
		req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
		if err != nil {
			return Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req) // #nosec G107 -- the target url is the job's declared webhook
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return nil
	}
}
