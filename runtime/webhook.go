package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// WebhookConfig holds configuration for the webhook runtime client.
type WebhookConfig struct {
	// BaseURL is the runtime endpoint; dispatches POST to BaseURL/dispatch.
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token      string
	HTTPClient *http.Client
}

// WebhookRuntime implements Runtime by POSTing dispatches to an HTTP
// endpoint.
type WebhookRuntime struct {
	config WebhookConfig
}

// NewWebhook creates a webhook runtime client with the given config.
func NewWebhook(cfg WebhookConfig) *WebhookRuntime {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	return &WebhookRuntime{config: cfg}
}

// Dispatch POSTs the request as JSON and treats any non-2xx status as
// failure.
func (r *WebhookRuntime) Dispatch(ctx context.Context, req DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.BaseURL+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	resp, err := r.config.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch task %s: %w", req.TaskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch task %s: runtime returned %d: %s", req.TaskID, resp.StatusCode, msg)
	}
	return nil
}
