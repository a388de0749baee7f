package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"virtual-staging/internal/models"
)

func TestReplicateStageImageAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predictions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req replicateCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Version != "v1" || req.Webhook != "https://example.com/webhooks/replicate" {
			t.Errorf("unexpected create request: %#v", req)
		}
		if img, _ := req.Input["image"].(string); !strings.HasPrefix(img, "data:image/png;base64,") {
			t.Errorf("expected data uri image input, got %q", img)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pred-123","status":"starting"}`))
	}))
	defer srv.Close()

	r := NewReplicate(ReplicateOptions{Token: "tok", Version: "v1", BaseURL: srv.URL})
	handle, err := r.StageImageAsync(context.Background(), StageRequest{
		Image: []byte{1, 2, 3}, MIMEType: "image/png", RoomType: models.RoomBedroom, Style: models.StyleCoastal,
	}, "https://example.com/webhooks/replicate")
	if err != nil {
		t.Fatalf("stage async: %v", err)
	}
	if handle.PredictionID != "pred-123" {
		t.Fatalf("unexpected handle %#v", handle)
	}
}

func TestReplicatePredictionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predictions/pred-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"pred-9","status":"succeeded","output":["https://cdn.example.com/out.png"],"metrics":{"predict_time":12.5}}`))
	}))
	defer srv.Close()

	r := NewReplicate(ReplicateOptions{Token: "tok", Version: "v1", BaseURL: srv.URL})
	pred, err := r.PredictionStatus(context.Background(), "pred-9")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if pred.Status != PredictionSucceeded || pred.OutputURL() != "https://cdn.example.com/out.png" || pred.PredictTime != 12.5 {
		t.Fatalf("unexpected prediction %#v", pred)
	}
}

func TestReplicateRejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"invalid version"}`))
	}))
	defer srv.Close()

	r := NewReplicate(ReplicateOptions{Token: "tok", Version: "v1", BaseURL: srv.URL})
	_, err := r.StageImageAsync(context.Background(), StageRequest{MIMEType: "image/png"}, "")
	if err == nil || !strings.Contains(err.Error(), "invalid version") {
		t.Fatalf("expected vendor message in error, got %v", err)
	}
}

func TestDecodePredictionShapes(t *testing.T) {
	pred, err := DecodePrediction([]byte(`{"id":"a","status":"succeeded","output":"https://x/y.png"}`))
	if err != nil || pred.OutputURL() != "https://x/y.png" {
		t.Fatalf("single output: %#v %v", pred, err)
	}

	pred, err = DecodePrediction([]byte(`{"id":"a","status":"failed","error":"NSFW content detected","output":null}`))
	if err != nil || pred.Status != PredictionFailed || pred.Error != "NSFW content detected" || pred.OutputURL() != "" {
		t.Fatalf("failed prediction: %#v %v", pred, err)
	}

	pred, err = DecodePrediction([]byte(`{"id":"a","status":"failed","error":{"code":"E1"}}`))
	if err != nil || pred.Error != `{"code":"E1"}` {
		t.Fatalf("structured error: %#v %v", pred, err)
	}

	if _, err := DecodePrediction([]byte(`{"id":"a","output":42}`)); err == nil {
		t.Fatalf("expected error for numeric output")
	}
	if !PredictionCanceled.Terminal() || PredictionProcessing.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}
