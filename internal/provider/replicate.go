package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ReplicateOptions configures the asynchronous Replicate adapter.
type ReplicateOptions struct {
	Token      string
	Version    string
	BaseURL    string
	HTTPClient *http.Client
	Baseline   time.Duration
}

// Replicate submits predictions that complete later through a webhook or polling.
type Replicate struct {
	token      string
	version    string
	baseURL    string
	httpClient *http.Client
	baseline   time.Duration
	tracker    *failureTracker
}

type replicateCreateRequest struct {
	Version             string         `json:"version"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

// PredictionPayload is the wire shape of a prediction, shared by API responses and webhook bodies.
type PredictionPayload struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Metrics *struct {
		PredictTime float64 `json:"predict_time"`
	} `json:"metrics,omitempty"`
}

// NewReplicate constructs the adapter. A nil HTTP client gets a default with a 30s timeout.
func NewReplicate(opts ReplicateOptions) *Replicate {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	baseline := opts.Baseline
	if baseline <= 0 {
		baseline = 45 * time.Second
	}
	return &Replicate{
		token:      strings.TrimSpace(opts.Token),
		version:    strings.TrimSpace(opts.Version),
		baseURL:    baseURL,
		httpClient: client,
		baseline:   baseline,
		tracker:    newFailureTracker(),
	}
}

func (r *Replicate) ID() string { return "replicate" }

func (r *Replicate) Capabilities() Capabilities { return Capabilities{Async: true} }

func (r *Replicate) BaselineDuration() time.Duration { return r.baseline }

func (r *Replicate) CheckHealth(_ context.Context) Health {
	missing := ""
	switch {
	case r.token == "":
		missing = "REPLICATE_API_TOKEN is not set"
	case r.version == "":
		missing = "REPLICATE_MODEL_VERSION is not set"
	}
	return r.tracker.health(missing == "", missing)
}

func (r *Replicate) configured() bool {
	return r.token != "" && r.version != ""
}

// StageImageAsync creates a prediction and returns its id without waiting for the result.
func (r *Replicate) StageImageAsync(ctx context.Context, req StageRequest, webhookURL string) (AsyncHandle, error) {
	if !r.configured() {
		return AsyncHandle{}, fmt.Errorf("replicate: %w", ErrNotConfigured)
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", req.MIMEType, base64.StdEncoding.EncodeToString(req.Image))
	payload := replicateCreateRequest{
		Version: r.version,
		Input: map[string]any{
			"image":     dataURI,
			"prompt":    BuildPrompt(req.RoomType, req.Style),
			"room_type": string(req.RoomType),
			"style":     string(req.Style),
		},
	}
	if webhookURL != "" {
		payload.Webhook = webhookURL
		payload.WebhookEventsFilter = []string{"completed"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return AsyncHandle{}, fmt.Errorf("replicate: marshal request: %w", err)
	}

	pred, err := r.do(ctx, http.MethodPost, r.baseURL+"/predictions", body)
	if err != nil {
		r.tracker.failure(err.Error())
		return AsyncHandle{}, err
	}
	r.tracker.success()
	if pred.ID == "" {
		return AsyncHandle{}, fmt.Errorf("replicate: prediction created without id")
	}
	return AsyncHandle{PredictionID: pred.ID}, nil
}

// PredictionStatus fetches the current vendor status of a prediction.
func (r *Replicate) PredictionStatus(ctx context.Context, externalID string) (Prediction, error) {
	if r.token == "" {
		return Prediction{}, fmt.Errorf("replicate: %w", ErrNotConfigured)
	}
	pred, err := r.do(ctx, http.MethodGet, r.baseURL+"/predictions/"+url.PathEscape(externalID), nil)
	if err != nil {
		r.tracker.failure(err.Error())
		return Prediction{}, err
	}
	r.tracker.success()
	return pred, nil
}

func (r *Replicate) do(ctx context.Context, method, endpoint string, body []byte) (Prediction, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return Prediction{}, fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("replicate request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Prediction{}, fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Detail string `json:"detail"`
			Title  string `json:"title"`
		}
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if json.Unmarshal(raw, &apiErr) == nil {
			if apiErr.Detail != "" {
				msg = apiErr.Detail
			} else if apiErr.Title != "" {
				msg = apiErr.Title
			}
		}
		return Prediction{}, fmt.Errorf("replicate rejected request: %s", msg)
	}
	return DecodePrediction(raw)
}

// DecodePrediction parses a prediction body. Output may be a single URL or a list of URLs,
// and error may be a string or a structured object.
func DecodePrediction(raw []byte) (Prediction, error) {
	var payload PredictionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	return payload.Prediction()
}

// Prediction normalizes the wire payload.
func (p PredictionPayload) Prediction() (Prediction, error) {
	pred := Prediction{
		ID:     strings.TrimSpace(p.ID),
		Status: PredictionState(strings.ToLower(strings.TrimSpace(p.Status))),
	}
	if p.Metrics != nil {
		pred.PredictTime = p.Metrics.PredictTime
	}

	if len(p.Output) > 0 && string(p.Output) != "null" {
		var single string
		if err := json.Unmarshal(p.Output, &single); err == nil {
			pred.Output = []string{single}
		} else {
			var many []string
			if err := json.Unmarshal(p.Output, &many); err != nil {
				return Prediction{}, fmt.Errorf("decode prediction output: %w", err)
			}
			pred.Output = many
		}
	}

	if len(p.Error) > 0 && string(p.Error) != "null" {
		var msg string
		if err := json.Unmarshal(p.Error, &msg); err == nil {
			pred.Error = msg
		} else {
			pred.Error = string(p.Error)
		}
	}
	return pred, nil
}

var _ AsyncAdapter = (*Replicate)(nil)
