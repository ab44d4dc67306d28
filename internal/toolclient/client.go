package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"planforge/internal/config"
)

// Client invokes operations on external tool providers over the shared
// call_tool protocol. All providers speak the same envelope:
//
//	POST {base_url}/call_tool {"name": <operation>, "arguments": {...}}
//	=> {"success": bool, "data": <any>, "error": <string>}
type Client struct {
	HTTP      *http.Client
	Providers map[string]config.Provider
	Retry     config.Retry
	Log       *slog.Logger

	seq atomic.Uint64
}

type callRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type callResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// New builds a Client from provider endpoints and retry bounds.
func New(providers map[string]config.Provider, retry config.Retry, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		HTTP:      &http.Client{},
		Providers: providers,
		Retry:     retry,
		Log:       log,
	}
}

// requiredArgs lists mandatory argument keys per provider/operation. Missing
// keys fail locally before any network call.
var requiredArgs = map[string][]string{
	"model/complete":                   {"messages"},
	"tracker/create_repository":        {"name"},
	"tracker/create_issue":             {"repo_name", "title"},
	"tracker/create_milestone":         {"repo_name", "title"},
	"tracker/create_labels":            {"repo_name"},
	"tracker/create_project_structure": {"repo_name", "project_type"},
	"agent/execute_task":               {"project_id", "task"},
	"agent/init_project":               {"project_id", "repo_url", "project_name"},
}

// Invoke calls one provider operation, retrying transient failures with
// exponential backoff. The returned bytes are the envelope's data field.
func (c *Client) Invoke(ctx context.Context, provider, operation string, args map[string]any) (json.RawMessage, error) {
	p, ok := c.Providers[provider]
	if !ok {
		return nil, rejected(provider, operation, fmt.Sprintf("unknown provider %q", provider), 0)
	}
	if err := c.validateArgs(provider, operation, args); err != nil {
		return nil, err
	}
	body, err := json.Marshal(callRequest{Name: operation, Arguments: args})
	if err != nil {
		return nil, rejected(provider, operation, fmt.Sprintf("encode arguments: %v", err), 0)
	}

	reqID := c.seq.Add(1)
	log := c.Log.With("provider", provider, "operation", operation, "req", reqID)

	var lastErr error
	attempts := 0
	backoff := c.Retry.InitialBackoff.Std()
	for attempt := 0; attempt <= c.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := jitter(backoff)
			log.Debug("retrying provider call", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, unavailable(provider, operation, attempts, ctx.Err())
			case <-time.After(delay):
			}
			backoff = nextBackoff(backoff, c.Retry)
		}
		attempts++

		start := time.Now()
		data, retryable, err := c.once(ctx, p, operation, body)
		duration := time.Since(start)
		if err == nil {
			log.Debug("provider call", "attempt", attempts, "duration", duration, "outcome", "ok")
			if attempt > 0 {
				log.Info("provider call recovered", "attempts", attempts)
			}
			return data, nil
		}
		lastErr = err
		if !retryable {
			log.Debug("provider call", "attempt", attempts, "duration", duration, "outcome", "rejected", "err", err)
			if te, ok := err.(*ToolError); ok {
				te.Attempts = attempts
			}
			return nil, err
		}
		log.Warn("provider call failed", "attempt", attempts, "duration", duration, "err", err)
	}
	if te, ok := lastErr.(*ToolError); ok {
		te.Attempts = attempts
		return nil, te
	}
	return nil, unavailable(provider, operation, attempts, lastErr)
}

// once performs a single HTTP round trip. The second return reports whether
// the failure is worth retrying.
func (c *Client) once(ctx context.Context, p config.Provider, operation string, body []byte) (json.RawMessage, bool, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if p.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout.Std())
		defer cancel()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.BaseURL+"/call_tool", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// caller's context expired, retrying cannot help
			return nil, false, err
		}
		return nil, true, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, true, err
	}
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return nil, true, fmt.Errorf("status %d: %s", res.StatusCode, truncate(data, 200))
	}
	if res.StatusCode >= 400 {
		return nil, false, &ToolError{Kind: KindRejected, Message: fmt.Sprintf("status %d: %s", res.StatusCode, truncate(data, 200))}
	}
	var envelope callResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false, &ToolError{Kind: KindRejected, Message: fmt.Sprintf("malformed envelope: %v", err)}
	}
	if !envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = "provider reported failure without detail"
		}
		return nil, false, &ToolError{Kind: KindRejected, Operation: operation, Message: msg}
	}
	return envelope.Data, false, nil
}

// Health probes a provider's GET /health endpoint.
func (c *Client) Health(ctx context.Context, provider string) error {
	p, ok := c.Providers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return unavailable(provider, "health", 1, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode != http.StatusOK {
		return unavailable(provider, "health", 1, fmt.Errorf("status %d", res.StatusCode))
	}
	return nil
}

func (c *Client) validateArgs(provider, operation string, args map[string]any) error {
	required, ok := requiredArgs[provider+"/"+operation]
	if !ok {
		return nil
	}
	for _, key := range required {
		v, present := args[key]
		if !present || v == nil {
			return rejected(provider, operation, fmt.Sprintf("missing required argument %q", key), 0)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return rejected(provider, operation, fmt.Sprintf("required argument %q is empty", key), 0)
		}
	}
	return nil
}

func nextBackoff(current time.Duration, r config.Retry) time.Duration {
	next := time.Duration(float64(current) * r.Multiplier)
	if max := r.MaxBackoff.Std(); next > max {
		return max
	}
	return next
}

// jitter spreads the delay by +-20% so stalled callers do not retry in step.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.2
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
