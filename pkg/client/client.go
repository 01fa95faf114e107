// Package client talks to the voicenotes HTTP API. It satisfies the note,
// object and identity collaborators used by the upload transport and the
// processing monitor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voicenotes/pkg/logger"
	"voicenotes/pkg/models"
	"voicenotes/pkg/storage"
)

var ErrUnauthorized = errors.New("not authenticated")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds every call except object uploads, which run as long as
// the caller's context allows.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func New(baseURL, token string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: 30 * time.Second,
		http:    &http.Client{},
		log:     logger.OrDefault(log),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Token() string { return c.token }

func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	if c.token == "" {
		return "", ErrUnauthorized
	}
	var me struct {
		UserID string `json:"user_id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/me", nil, &me, nil); err != nil {
		return "", err
	}
	if me.UserID == "" {
		return "", ErrUnauthorized
	}
	return me.UserID, nil
}

func (c *Client) GetNote(ctx context.Context, id string) (*models.Note, error) {
	var note models.Note
	if err := c.doJSON(ctx, http.MethodGet, notePath(id), nil, &note, storage.ErrNoteNotFound); err != nil {
		return nil, err
	}
	return &note, nil
}

type createNoteBody struct {
	AudioURL      string `json:"audio_url"`
	AudioDuration int    `json:"audio_duration"`
	Title         string `json:"title,omitempty"`
}

// CreateNote asks the server to create a note. The server assigns the id and
// owner; only the audio reference, duration and title of note are sent.
func (c *Client) CreateNote(ctx context.Context, note *models.Note) (*models.Note, error) {
	body := createNoteBody{AudioURL: note.AudioURL, AudioDuration: note.AudioDuration}
	if note.Title != models.PlaceholderTitle {
		body.Title = note.Title
	}
	var created models.Note
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/notes", body, &created, nil); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdateNote(ctx context.Context, id string, patch models.NotePatch) (*models.Note, error) {
	var updated models.Note
	if err := c.doJSON(ctx, http.MethodPatch, notePath(id), patch, &updated, storage.ErrNoteNotFound); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) DeleteNote(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, notePath(id), nil, nil, storage.ErrNoteNotFound)
}

// ListNotes returns the caller's notes, newest first. An empty status lists all.
func (c *Client) ListNotes(ctx context.Context, status models.NoteStatus, limit int) ([]*models.Note, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/notes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Notes []*models.Note `json:"notes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Notes, nil
}

func (c *Client) RequestFallbackProcessing(ctx context.Context, id string) (bool, error) {
	var out struct {
		Applied bool `json:"applied"`
	}
	if err := c.doJSON(ctx, http.MethodPost, notePath(id)+"/fallback", nil, &out, storage.ErrNoteNotFound); err != nil {
		return false, err
	}
	return out.Applied, nil
}

func (c *Client) CleanupAudio(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, notePath(id)+"/cleanup", nil, nil, storage.ErrNoteNotFound)
}

// PutObject streams r to the object store. Reads from r happen as the body
// is sent, so a progress-reporting reader sees real transfer progress.
func (c *Client) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPut, storage.ObjectPathPrefix+key, io.NopCloser(r))
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &out, nil); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) DeleteObject(ctx context.Context, key string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodDelete, storage.ObjectPathPrefix+key, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil, storage.ErrObjectNotFound)
}

// Trigger posts a processing request; it lets the client double as a
// handoff.Trigger.
func (c *Client) Trigger(ctx context.Context, req models.TriggerRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/processing/trigger", req, nil, storage.ErrNoteNotFound)
}

func notePath(id string) string {
	return "/api/v1/notes/" + url.PathEscape(id)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, notFound error) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out, notFound)
}

// do sends req and decodes a 2xx body into out. A 404 maps to notFound when
// it is set.
func (c *Client) do(req *http.Request, out any, notFound error) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: errorMessage(resp.Body)}
		c.log.Debug("request failed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode))
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
		case resp.StatusCode == http.StatusNotFound && notFound != nil:
			return fmt.Errorf("%w: %w", notFound, apiErr)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
