package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"virtual-staging/internal/config"
	"virtual-staging/internal/models"
	"virtual-staging/internal/provider"
	"virtual-staging/internal/staging"
	"virtual-staging/internal/telemetry"
)

const maxWebhookBytes = 1 << 20

type ctxKey int

const ownerKey ctxKey = iota

// DeadLetters lists reconcile checks that gave up on a job.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the staging API.
type Server struct {
	cfg      config.Config
	svc      *staging.Service
	verifier *WebhookVerifier
	dlq      DeadLetters
	logger   zerolog.Logger
}

// New constructs the API server. A nil verifier accepts unsigned webhooks only
// in development; elsewhere every delivery is rejected. A nil dlq disables the
// /dlq route.
func New(cfg config.Config, svc *staging.Service, verifier *WebhookVerifier, dlq DeadLetters, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		dlq:      dlq,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	if strings.EqualFold(s.cfg.StorageDriver, "local") && s.cfg.StorageLocalDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.StorageLocalDir))))
	}

	r.Get("/providers/health", s.handleProviderHealth)
	r.Post("/webhooks/{provider}", s.handleWebhook)
	if s.dlq != nil {
		r.Get("/dlq", s.handleDLQ)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)
		r.Get("/credits", s.handleCredits)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Patch("/jobs/{id}", s.handleUpdateJob)
		r.Post("/jobs/{id}/remix", s.handleRemix)
		r.Post("/jobs/{id}/primary", s.handleSetPrimary)
		r.Get("/version-groups/{id}/jobs", s.handleListVersions)
	})
	return r
}

type submitRequest struct {
	ImageBase64 string  `json:"image_base64"`
	ImageURL    string  `json:"image_url"`
	RoomType    string  `json:"room_type"`
	Style       string  `json:"style"`
	PropertyID  *string `json:"property_id"`
}

type remixRequest struct {
	RoomType   string  `json:"room_type"`
	Style      string  `json:"style"`
	PropertyID *string `json:"property_id"`
}

type updateJobRequest struct {
	IsFavorite *bool   `json:"is_favorite"`
	PropertyID *string `json:"property_id"`
}

// handleSubmit accepts JSON (image_base64 or image_url) or a multipart form
// with an "image" file part.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.ImageMaxBytes*2)

	var req staging.SubmitRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.cfg.ImageMaxBytes); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		req.RoomType = r.FormValue("room_type")
		req.Style = r.FormValue("style")
		req.ImageURL = r.FormValue("image_url")
		if v := r.FormValue("property_id"); v != "" {
			req.PropertyID = &v
		}
		if file, _, err := r.FormFile("image"); err == nil {
			data, err := io.ReadAll(io.LimitReader(file, s.cfg.ImageMaxBytes+1))
			file.Close()
			if err != nil {
				writeMessage(w, http.StatusBadRequest, "could not read image")
				return
			}
			req.Image = data
		}
	} else {
		var body submitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid json")
			return
		}
		req.RoomType = body.RoomType
		req.Style = body.Style
		req.ImageURL = body.ImageURL
		req.PropertyID = body.PropertyID
		if body.ImageBase64 != "" {
			data, err := decodeImageBase64(body.ImageBase64)
			if err != nil {
				writeMessage(w, http.StatusBadRequest, "image_base64 is not valid base64")
				return
			}
			req.Image = data
		}
	}
	if int64(len(req.Image)) > s.cfg.ImageMaxBytes {
		writeMessage(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	req.OwnerID = ownerFromContext(r.Context())

	res, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, submitStatus(res), res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Status(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var body updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.svc.UpdateMetadata(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"), models.MetadataPatch{
		IsFavorite: body.IsFavorite,
		PropertyID: body.PropertyID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemix(w http.ResponseWriter, r *http.Request) {
	var body remixRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.svc.Remix(r.Context(), staging.RemixRequest{
		OwnerID:    ownerFromContext(r.Context()),
		JobID:      chi.URLParam(r, "id"),
		RoomType:   body.RoomType,
		Style:      body.Style,
		PropertyID: body.PropertyID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, submitStatus(res.SubmitResult), res)
}

func (s *Server) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.SetPrimary(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	group, jobs, err := s.svc.ListVersions(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.StagingJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "jobs": jobs})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	check, err := s.svc.Credits(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits_remaining": check.Available})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ProviderHealth(r.Context()))
}

// handleWebhook verifies and applies a vendor delivery. Unknown predictions and
// intermediate statuses are acknowledged with 200 so the vendor stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "could not read body")
		return
	}
	if s.verifier == nil && !s.cfg.IsDev() {
		telemetry.WebhookRejects.Inc()
		s.logger.Warn().Str("provider", providerID).Msg("webhook rejected: no secret configured")
		writeMessage(w, http.StatusUnauthorized, "webhook verification is not configured")
		return
	}
	if err := s.verifier.Verify(r.Header, body); err != nil {
		telemetry.WebhookRejects.Inc()
		s.logger.Warn().Err(err).Str("provider", providerID).Msg("webhook rejected")
		writeMessage(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	pred, err := provider.DecodePrediction(body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed prediction")
		return
	}
	if err := s.svc.HandleWebhook(r.Context(), providerID, pred); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeError maps service errors to status codes. Unexpected errors are logged
// and reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *staging.ValidationError
	var cerr *staging.InsufficientCreditsError
	switch {
	case errors.As(err, &verr):
		writeMessage(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient credits",
			"required":  cerr.Required,
			"available": cerr.Available,
		})
	case errors.Is(err, models.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, provider.ErrProviderUnavailable):
		writeMessage(w, http.StatusServiceUnavailable, "no staging provider is available, please try again later")
	default:
		s.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// requireOwner resolves the caller from the X-Owner-ID header.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if owner == "" {
			writeMessage(w, http.StatusUnauthorized, "missing X-Owner-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

func submitStatus(res staging.SubmitResult) int {
	if res.PollURL != "" {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// decodeImageBase64 accepts bare base64 or a data URI.
func decodeImageBase64(v string) ([]byte, error) {
	if _, payload, ok := strings.Cut(v, ";base64,"); ok && strings.HasPrefix(v, "data:") {
		v = payload
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(v))
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
