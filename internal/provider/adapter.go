package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"virtual-staging/internal/models"
)

var (
	// ErrNotConfigured signals a misconfigured adapter (e.g. missing credentials).
	ErrNotConfigured = errors.New("provider: not configured")
	// ErrProviderUnavailable is returned by the router when no adapter can take work.
	ErrProviderUnavailable = errors.New("provider: no provider available")
)

// Capabilities advertises which dispatch styles an adapter supports.
type Capabilities struct {
	Sync  bool `json:"sync"`
	Async bool `json:"async"`
}

// Health is a point-in-time view of an adapter's availability.
type Health struct {
	Healthy    bool      `json:"healthy"`
	Configured bool      `json:"configured"`
	Message    string    `json:"message,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Adapter wraps one generation backend behind a uniform contract.
type Adapter interface {
	ID() string
	Capabilities() Capabilities
	CheckHealth(ctx context.Context) Health
	// BaselineDuration is the typical wall-clock time of one generation.
	BaselineDuration() time.Duration
}

// StageRequest is the input shared by both dispatch styles.
type StageRequest struct {
	JobID    string
	Image    []byte
	MIMEType string
	RoomType models.RoomType
	Style    models.Style
}

// SyncResult is returned by adapters that finish within the call.
// Vendor-side failures are reported with Success=false, never as an error.
type SyncResult struct {
	Success   bool
	ImageData []byte
	MIMEType  string
	Error     string
}

// SyncAdapter completes generation within the request cycle.
type SyncAdapter interface {
	Adapter
	StageImageSync(ctx context.Context, req StageRequest) (SyncResult, error)
}

// AsyncHandle identifies a prediction accepted by an asynchronous backend.
type AsyncHandle struct {
	PredictionID string
}

// PredictionState mirrors the vendor lifecycle of an asynchronous prediction.
type PredictionState string

const (
	PredictionStarting   PredictionState = "starting"
	PredictionProcessing PredictionState = "processing"
	PredictionSucceeded  PredictionState = "succeeded"
	PredictionFailed     PredictionState = "failed"
	PredictionCanceled   PredictionState = "canceled"
)

// Terminal reports whether the prediction will not change again.
func (s PredictionState) Terminal() bool {
	return s == PredictionSucceeded || s == PredictionFailed || s == PredictionCanceled
}

// Prediction is the normalized status of an asynchronous generation.
type Prediction struct {
	ID          string
	Status      PredictionState
	Output      []string
	Error       string
	PredictTime float64
}

// OutputURL returns the first non-empty output reference.
func (p Prediction) OutputURL() string {
	for _, o := range p.Output {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// AsyncAdapter acknowledges immediately and completes later via webhook or polling.
type AsyncAdapter interface {
	Adapter
	StageImageAsync(ctx context.Context, req StageRequest, webhookURL string) (AsyncHandle, error)
	PredictionStatus(ctx context.Context, externalID string) (Prediction, error)
}

// AsSync returns the synchronous variant of a when it advertises and implements it.
func AsSync(a Adapter) (SyncAdapter, bool) {
	if a == nil || !a.Capabilities().Sync {
		return nil, false
	}
	s, ok := a.(SyncAdapter)
	return s, ok
}

// AsAsync returns the asynchronous variant of a when it advertises and implements it.
func AsAsync(a Adapter) (AsyncAdapter, bool) {
	if a == nil || !a.Capabilities().Async {
		return nil, false
	}
	s, ok := a.(AsyncAdapter)
	return s, ok
}
