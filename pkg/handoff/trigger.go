// Package handoff notifies the remote job runner that a note has audio ready.
// Delivery is at-most-once and unconfirmed.
package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
)

// TriggerPath is the job runner endpoint relative to the server URL.
const TriggerPath = "/api/v1/processing/trigger"

const defaultTimeout = 5 * time.Second

// Trigger delivers a processing request. Implementations must not block
// for longer than their own delivery timeout.
type Trigger interface {
	Trigger(ctx context.Context, req models.TriggerRequest) error
}

// Func adapts an ordinary function to Trigger.
type Func func(ctx context.Context, req models.TriggerRequest) error

func (f Func) Trigger(ctx context.Context, req models.TriggerRequest) error {
	return f(ctx, req)
}

// HTTPTrigger posts the request as JSON to the job runner.
type HTTPTrigger struct {
	baseURL string
	token   func() string
	client  *http.Client
	log     *slog.Logger
}

type HTTPOption func(*HTTPTrigger)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTrigger) { t.client = c }
}

// WithToken sets the bearer token source sent with each request.
func WithToken(token func() string) HTTPOption {
	return func(t *HTTPTrigger) { t.token = token }
}

func NewHTTPTrigger(baseURL string, log *slog.Logger, opts ...HTTPOption) *HTTPTrigger {
	t := &HTTPTrigger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		log:     logger.OrDefault(log),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTrigger) Trigger(ctx context.Context, req models.TriggerRequest) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode trigger request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+TriggerPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != nil {
		if tok := t.token(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.log.Warn("processing trigger not delivered",
			slog.String("note_id", req.NoteID),
			slog.String("error", err.Error()))
		return fmt.Errorf("deliver trigger: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		t.log.Warn("processing trigger rejected",
			slog.String("note_id", req.NoteID),
			slog.Int("status", resp.StatusCode))
		return fmt.Errorf("trigger rejected with status %d", resp.StatusCode)
	}
	t.log.Debug("processing triggered", slog.String("note_id", req.NoteID), slog.Bool("append", req.IsAppend))
	return nil
}

// Fire sends req in the background and only logs the outcome. The caller's
// cancellation does not abort delivery.
func Fire(ctx context.Context, t Trigger, req models.TriggerRequest, log *slog.Logger) {
	if t == nil {
		return
	}
	log = logger.OrDefault(log)
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := t.Trigger(ctx, req); err != nil {
			log.Warn("processing trigger failed, relying on monitor fallback",
				slog.String("note_id", req.NoteID),
				slog.String("error", err.Error()))
		}
	}()
}
