// Package generator produces scene analyses and media assets through an
// OpenAI-compatible generation API. The requested model is used verbatim
// for every call; there is no fallback to another model.
package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("generator: api key is required")

// Options configures the provider client.
type Options struct {
	APIKey         string
	BaseURL        string
	Voice          string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zerolog.Logger
}

// Client performs HTTP calls against an OpenAI-compatible generation API.
type Client struct {
	apiKey     string
	baseURL    string
	voice      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient constructs a client with sane defaults and injected
// dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		voice = "alloy"
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "generator").Logger()
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		voice:      voice,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// ChatRequest is a single-turn chat completion call.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

type chatPayload struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ChatCompletion performs one chat call and returns the reply text and
// token usage.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (string, int64, error) {
	const operation = "chat completion"

	payload := chatPayload{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.User})
	if req.JSONMode {
		payload.ResponseFormat = &respFormat{Type: "json_object"}
	}

	raw, err := c.postJSON(ctx, operation, req.Model, "/chat/completions", payload)
	if err != nil {
		return "", 0, err
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", 0, malformed(operation, req.Model, "undecodable response body", err)
	}
	if len(decoded.Choices) == 0 {
		return "", 0, malformed(operation, req.Model, "no choices in response", nil)
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", 0, malformed(operation, req.Model, "empty completion", nil)
	}
	return content, decoded.Usage.TotalTokens, nil
}

// ImageRequest asks for a single still image.
type ImageRequest struct {
	Model  string
	Prompt string
	Size   string
}

type imagePayload struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// GenerateImage asks the images endpoint for one still and returns the
// decoded bytes.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	const operation = "image generation"

	payload := imagePayload{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           req.Size,
		ResponseFormat: "b64_json",
	}
	raw, err := c.postJSON(ctx, operation, req.Model, "/images/generations", payload)
	if err != nil {
		return nil, err
	}

	var decoded imageResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, malformed(operation, req.Model, "undecodable response body", err)
	}
	if len(decoded.Data) == 0 || decoded.Data[0].B64JSON == "" {
		return nil, malformed(operation, req.Model, "no image data in response", nil)
	}
	data, err := base64.StdEncoding.DecodeString(decoded.Data[0].B64JSON)
	if err != nil {
		return nil, malformed(operation, req.Model, "image payload is not valid base64", err)
	}
	return data, nil
}

// SpeechRequest asks for narration audio.
type SpeechRequest struct {
	Model string
	Text  string
	Voice string
}

type speechPayload struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Speech synthesizes narration and returns the mp3 bytes.
func (c *Client) Speech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	const operation = "speech synthesis"

	voice := req.Voice
	if voice == "" {
		voice = c.voice
	}
	payload := speechPayload{
		Model:          req.Model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: "mp3",
	}
	raw, err := c.postJSON(ctx, operation, req.Model, "/audio/speech", payload)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, malformed(operation, req.Model, "empty audio payload", nil)
	}
	return raw, nil
}

// ClipRequest asks for a short motion clip.
type ClipRequest struct {
	Model   string
	Prompt  string
	Seconds int
	Size    string
}

type clipPayload struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Seconds int    `json:"seconds,omitempty"`
	Size    string `json:"size,omitempty"`
}

type clipResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateClip asks the video endpoint for a clip and downloads the
// result.
func (c *Client) GenerateClip(ctx context.Context, req ClipRequest) ([]byte, error) {
	const operation = "clip generation"

	payload := clipPayload{
		Model:   req.Model,
		Prompt:  req.Prompt,
		Seconds: req.Seconds,
		Size:    req.Size,
	}
	raw, err := c.postJSON(ctx, operation, req.Model, "/videos/generations", payload)
	if err != nil {
		return nil, err
	}

	var decoded clipResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, malformed(operation, req.Model, "undecodable response body", err)
	}
	if len(decoded.Data) == 0 {
		return nil, malformed(operation, req.Model, "no clip data in response", nil)
	}
	clipURL := strings.TrimSpace(decoded.Data[0].URL)
	if clipURL == "" {
		return nil, malformed(operation, req.Model, "empty clip url", nil)
	}
	return c.download(ctx, operation, req.Model, clipURL)
}

// postJSON sends a JSON POST and returns the raw body of a successful
// response. Failures come back already classified.
func (c *Client) postJSON(ctx context.Context, operation, model, path string, payload any) ([]byte, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("generator: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("generator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(operation, model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(operation, model, err)
	}

	if resp.StatusCode >= 300 {
		var envelope errorEnvelope
		code, message := "", ""
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
			code, message = envelope.Error.Code, envelope.Error.Message
		}
		return nil, classifyStatus(operation, model, resp.StatusCode, code, message, resp.Header.Get("Retry-After"))
	}

	c.logger.Debug().
		Str("operation", operation).
		Str("model", model).
		Dur("elapsed", time.Since(start)).
		Msg("provider call succeeded")
	return raw, nil
}

// download fetches a provider-hosted result URL.
func (c *Client) download(ctx context.Context, operation, model, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		return nil, malformed(operation, model, "invalid result url: "+rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("generator: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(operation, model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, classifyStatus(operation, model, resp.StatusCode, "", "result download failed", resp.Header.Get("Retry-After"))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(operation, model, err)
	}
	return data, nil
}
