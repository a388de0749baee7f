package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 64 * 1024 * 1024

// GeminiOptions configures the synchronous Gemini image adapter.
type GeminiOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Baseline   time.Duration
}

// Gemini stages images synchronously through the generateContent API.
type Gemini struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	baseline   time.Duration
	tracker    *failureTracker
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewGemini constructs the adapter. A nil HTTP client gets a default with a 120s timeout.
func NewGemini(opts GeminiOptions) *Gemini {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	baseline := opts.Baseline
	if baseline <= 0 {
		baseline = 20 * time.Second
	}
	return &Gemini{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		baseline:   baseline,
		tracker:    newFailureTracker(),
	}
}

func (g *Gemini) ID() string { return "gemini" }

func (g *Gemini) Capabilities() Capabilities { return Capabilities{Sync: true} }

func (g *Gemini) BaselineDuration() time.Duration { return g.baseline }

func (g *Gemini) CheckHealth(_ context.Context) Health {
	return g.tracker.health(g.apiKey != "", "GEMINI_API_KEY is not set")
}

// StageImageSync sends the source photo with the staging prompt and returns the first image part.
func (g *Gemini) StageImageSync(ctx context.Context, req StageRequest) (SyncResult, error) {
	if g.apiKey == "" {
		return SyncResult{}, fmt.Errorf("gemini: %w", ErrNotConfigured)
	}

	body, err := json.Marshal(geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: BuildPrompt(req.RoomType, req.Style)},
				{InlineData: &geminiInlineData{MimeType: req.MIMEType, Data: base64.StdEncoding.EncodeToString(req.Image)}},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{ResponseModalities: []string{"IMAGE"}, CandidateCount: 1},
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SyncResult{}, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return g.fail(fmt.Sprintf("gemini request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return g.fail(fmt.Sprintf("gemini response read failed: %v", err)), nil
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		msg := fmt.Sprintf("gemini returned status %d", resp.StatusCode)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return g.fail(msg), nil
	}

	var parsed geminiGenerateContentResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return g.fail(fmt.Sprintf("gemini response decode failed: %v", err)), nil
	}
	g.tracker.success()

	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return SyncResult{Error: "request blocked by content policy: " + parsed.PromptFeedback.BlockReason}, nil
	}
	for _, cand := range parsed.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return SyncResult{Error: "gemini returned malformed image data"}, nil
			}
			mime := part.InlineData.MimeType
			if mime == "" {
				mime = http.DetectContentType(data)
			}
			return SyncResult{Success: true, ImageData: data, MIMEType: mime}, nil
		}
		switch cand.FinishReason {
		case "SAFETY", "PROHIBITED_CONTENT", "IMAGE_SAFETY":
			return SyncResult{Error: "NSFW content detected"}, nil
		}
	}
	return SyncResult{Error: "gemini returned no image"}, nil
}

func (g *Gemini) fail(msg string) SyncResult {
	g.tracker.failure(msg)
	return SyncResult{Error: msg}
}

var _ SyncAdapter = (*Gemini)(nil)
