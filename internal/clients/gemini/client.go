package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/verdia/herbarium-backend/internal/pkg/httpx"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
)

// Client is the thin transport to the Gemini generateContent API. It does
// no retrying itself; the generator service wraps calls in the retry
// policy, so transport errors must stay classifiable (HTTPStatusCode plus
// the raw error payload, which carries RESOURCE_EXHAUSTED on quota hits).
type Client interface {
	// GenerateText sends a text prompt to the configured text model and
	// returns the concatenated text parts of the first candidate.
	GenerateText(ctx context.Context, prompt string) (string, error)

	// GenerateImage sends a prompt to the configured image model and
	// returns the first inline binary part.
	GenerateImage(ctx context.Context, prompt string) (data []byte, mimeType string, err error)

	// TextModel reports the configured text model id, recorded as
	// provenance on generated plants.
	TextModel() string
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	textModel  string
	imageModel string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("GEMINI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	textModel := strings.TrimSpace(os.Getenv("GEMINI_TEXT_MODEL"))
	if textModel == "" {
		textModel = "gemini-2.5-flash"
	}
	imageModel := strings.TrimSpace(os.Getenv("GEMINI_IMAGE_MODEL"))
	if imageModel == "" {
		imageModel = "gemini-2.0-flash-exp"
	}

	timeoutSec := 120
	if v := os.Getenv("GEMINI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:        log.With("service", "GeminiClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		textModel:  textModel,
		imageModel: imageModel,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (c *client) TextModel() string { return c.textModel }

type geminiHTTPError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *geminiHTTPError) Error() string {
	return fmt.Sprintf("gemini http %d: %s", e.StatusCode, e.Body)
}

func (e *geminiHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (e *geminiHTTPError) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

type generateContentRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (c *client) generate(ctx context.Context, model, prompt string) (*generateContentResponse, error) {
	reqBody := generateContentRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The body carries the quota status ("RESOURCE_EXHAUSTED"), keep
		// it in the error for rate-limit classification.
		return nil, &geminiHTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			retryAfter: httpx.RetryAfterDuration(resp, 0, time.Minute),
		}
	}

	var out generateContentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("gemini decode error: %w; raw=%s", err, string(raw))
	}
	return &out, nil
}

func (c *client) GenerateText(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("text prompt required")
	}

	resp, err := c.generate(ctx, c.textModel, prompt)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			out.WriteString(p.Text)
		}
		break
	}
	return out.String(), nil
}

func (c *client) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, "", errors.New("image prompt required")
	}

	resp, err := c.generate(ctx, c.imageModel, prompt)
	if err != nil {
		return nil, "", err
	}

	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil || strings.TrimSpace(p.InlineData.Data) == "" {
				continue
			}
			raw, decErr := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if decErr != nil || len(raw) == 0 {
				return nil, "", fmt.Errorf("decode inline image data: %w", decErr)
			}
			mime := strings.TrimSpace(p.InlineData.MimeType)
			if mime == "" {
				mime = "image/png"
			}
			return raw, mime, nil
		}
	}
	return nil, "", errors.New("no image payload in response")
}
