package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"voicenotes/pkg/config"
)

var ErrTranscriberNotConfigured = errors.New("transcriber API key not set")

// Transcriber turns audio into raw text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName, contentType string) (string, error)
}

// WhisperClient calls an OpenAI-compatible /audio/transcriptions endpoint.
type WhisperClient struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewWhisperClient(cfg config.TranscriberConfig) *WhisperClient {
	return &WhisperClient{
		apiKey: cfg.APIKey,
		url:    cfg.URL,
		model:  cfg.Model,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (w *WhisperClient) Transcribe(ctx context.Context, audio []byte, fileName, contentType string) (string, error) {
	if w.apiKey == "" {
		return "", ErrTranscriberNotConfigured
	}

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	fileWriter, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(audio); err != nil {
		return "", fmt.Errorf("failed to copy audio data: %w", err)
	}

	writer.WriteField("model", w.model)
	writer.WriteField("response_format", "text")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, &requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	transcript, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return strings.TrimSpace(string(transcript)), nil
}
