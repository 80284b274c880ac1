// Package gemini is a client for the Gemini generateContent REST API.
// Prompts are masked before they are sent and every call is audited.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/storage"
)

const (
	defaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout     = 60 * time.Second
	defaultModel       = "gemini-pro"
	defaultVisionModel = "gemini-pro-vision"
	defaultTemperature = 0.7
	maxErrorBody       = 4096
)

// Masker redacts text before it is sent.
type Masker interface {
	Mask(ctx context.Context, text, doctype, field string) string
}

// ModelSource supplies the admin-configured default model.
type ModelSource interface {
	Get(ctx context.Context) (storage.Settings, error)
}

// Client communicates with the Gemini API. It never retries.
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	model       string
	visionModel string
	settings    ModelSource
	masker      Masker
	audit       *audit.Logger
	logger      *slog.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithModels(text, vision string) Option {
	return func(c *Client) {
		if text != "" {
			c.model = text
		}
		if vision != "" {
			c.visionModel = vision
		}
	}
}

// WithSettings makes the settings record's default model win over the
// configured one.
func WithSettings(s ModelSource) Option {
	return func(c *Client) { c.settings = s }
}

func WithMasker(m Masker) Option {
	return func(c *Client) { c.masker = m }
}

func WithAudit(l *audit.Logger) Option {
	return func(c *Client) { c.audit = l }
}

// NewClient creates a Gemini client with the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		model:       defaultModel,
		visionModel: defaultVisionModel,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string, opts ...Option) *Client {
	return NewClient(apiKey, append([]Option{WithBaseURL(baseURL)}, opts...)...)
}

// GenerateText sends a text-only prompt.
func (c *Client) GenerateText(ctx context.Context, prompt string, opts Options) (Response, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel(ctx)
	}
	return c.generate(ctx, prompt, nil, model, opts)
}

// GenerateMultimodal sends a prompt together with images read from disk.
// Paths that do not exist are skipped.
func (c *Client) GenerateMultimodal(ctx context.Context, prompt string, imagePaths []string, opts Options) (Response, error) {
	model := opts.Model
	if model == "" {
		model = c.visionModel
	}
	var images []part
	for _, p := range imagePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			c.logger.Warn("skipping unreadable image", "path", p, "error", err)
			continue
		}
		images = append(images, part{InlineData: &inlineData{
			MimeType: imageMIME(p, data),
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
	}
	return c.generate(ctx, prompt, images, model, opts)
}

func (c *Client) generate(ctx context.Context, prompt string, images []part, model string, opts Options) (Response, error) {
	masked := prompt
	if c.masker != nil {
		masked = c.masker.Mask(ctx, prompt, "", "")
	}
	model = strings.TrimPrefix(model, "models/")

	requestID := uuid.New().String()
	c.audit.Success(ctx, "", audit.Query, map[string]any{
		"request_id": requestID,
		"prompt":     masked,
		"model":      model,
		"has_images": len(images) > 0,
	})

	temp := defaultTemperature
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	req := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: append([]part{{Text: masked}}, images...),
		}},
		GenerationConfig: generationConfig{Temperature: temp, MaxOutputTokens: opts.MaxTokens},
		SafetySettings:   opts.SafetySettings,
	}

	resp, err := c.do(ctx, model, req)
	if err != nil {
		c.audit.Amend(ctx, requestID, audit.Query, map[string]any{
			"error": map[string]any{"message": err.Error(), "type": apperr.KindOf(err).String()},
		}, storage.AuditError)
		return Response{}, err
	}

	c.audit.Amend(ctx, requestID, audit.Query, map[string]any{
		"response": map[string]any{
			"text_length":   len(resp.Text),
			"tokens_used":   resp.TokensUsed,
			"finish_reason": resp.FinishReason,
		},
	}, storage.AuditSuccess)
	return resp, nil
}

func (c *Client) do(ctx context.Context, model string, req generateRequest) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.API, err, "Error generating content")
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, url.PathEscape(model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Wrap(apperr.API, err, "Error generating content")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The key is in the URL; keep it out of the error text.
		return Response{}, apperr.Newf(apperr.API, "Error generating content: request to %s failed", model)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return Response{}, statusError(httpResp)
	}

	var gr generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&gr); err != nil {
		return Response{}, apperr.Wrap(apperr.API, err, "Error generating content: decoding response")
	}
	return processResponse(gr, model)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return apperr.Newf(apperr.RateLimit, "Rate limit exceeded: %s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.Newf(apperr.Auth, "Authentication error: %s", msg)
	default:
		return apperr.Newf(apperr.API, "Error generating content: unexpected status %d: %s", resp.StatusCode, msg)
	}
}

func processResponse(gr generateResponse, model string) (Response, error) {
	if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
		return Response{}, apperr.Newf(apperr.ContentFilter, "Content blocked by safety filters: %s", gr.PromptFeedback.BlockReason)
	}
	if len(gr.Candidates) == 0 {
		return Response{}, apperr.New(apperr.API, "Error generating content: no candidates in response")
	}

	cand := gr.Candidates[0]
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		b.WriteString(p.Text)
	}
	if b.Len() == 0 && cand.FinishReason == "SAFETY" {
		return Response{}, apperr.New(apperr.ContentFilter, "Content blocked by safety filters: SAFETY")
	}

	r := Response{Text: b.String(), Model: model, FinishReason: cand.FinishReason}
	if gr.UsageMetadata != nil {
		r.TokensUsed = gr.UsageMetadata.TotalTokenCount
	}
	return r, nil
}

func (c *Client) defaultModel(ctx context.Context) string {
	if c.settings != nil {
		if st, err := c.settings.Get(ctx); err == nil && st.DefaultModel != "" {
			return st.DefaultModel
		}
	}
	return c.model
}

func imageMIME(path string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(t, "image/") {
		return t
	}
	return http.DetectContentType(data)
}
