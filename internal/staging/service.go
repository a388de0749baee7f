// Package staging orchestrates virtual-staging jobs: submission, remixing into
// version groups, and convergent completion from webhooks and polls.
package staging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"virtual-staging/internal/models"
	"virtual-staging/internal/provider"
	"virtual-staging/internal/storage"
	"virtual-staging/internal/telemetry"
)

// Options holds pricing and dispatch settings.
type Options struct {
	JobCreditCost   int
	RemixCreditCost int
	FreeRemixLimit  int
	SignupCredits   int
	PublicBaseURL   string
	MaxImageEdge    int
	ProviderTimeout time.Duration
}

// Deps are the collaborators of a Service. Scheduler and Throttle are optional.
type Deps struct {
	Store     Store
	Router    *provider.Router
	Uploader  storage.Uploader
	Fetcher   Fetcher
	Scheduler Scheduler
	Throttle  PollThrottle
	Logger    zerolog.Logger
}

// Service implements the staging job lifecycle.
type Service struct {
	store     Store
	router    *provider.Router
	uploader  storage.Uploader
	fetcher   Fetcher
	scheduler Scheduler
	throttle  PollThrottle
	logger    zerolog.Logger
	opts      Options
	now       func() time.Time
	newID     func() string
}

func NewService(deps Deps, opts Options) *Service {
	return &Service{
		store:     deps.Store,
		router:    deps.Router,
		uploader:  deps.Uploader,
		fetcher:   deps.Fetcher,
		scheduler: deps.Scheduler,
		throttle:  deps.Throttle,
		logger:    deps.Logger,
		opts:      opts,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// SubmitRequest carries either raw image bytes or a reference to fetch.
type SubmitRequest struct {
	OwnerID    string
	PropertyID *string
	Image      []byte
	ImageURL   string
	RoomType   string
	Style      string
}

// SubmitResult is a completed or failed job for synchronous providers, or a
// processing job plus poll URL for asynchronous ones.
type SubmitResult struct {
	Job          models.StagingJob `json:"job"`
	PollURL      string            `json:"poll_url,omitempty"`
	FallbackUsed bool              `json:"fallback_used"`
}

type jobSpec struct {
	ownerID     string
	propertyID  *string
	roomType    models.RoomType
	style       models.Style
	image       []byte
	originalURL string
	cost        int
	freeRemix   bool
	groupID     *string
	parentID    *string
}

// Submit validates the request, checks the balance and dispatches a new job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	room, style, err := parseEnums(req.RoomType, req.Style)
	if err != nil {
		return SubmitResult{}, err
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return SubmitResult{}, &ValidationError{Field: "owner", Message: "is required"}
	}
	imageURL := strings.TrimSpace(req.ImageURL)
	if len(req.Image) == 0 && imageURL == "" {
		return SubmitResult{}, &ValidationError{Field: "image", Message: "an upload or image_url is required"}
	}

	cost := s.opts.JobCreditCost
	if err := s.requireCredits(ctx, owner, cost); err != nil {
		return SubmitResult{}, err
	}

	spec := jobSpec{
		ownerID:    owner,
		propertyID: normalizeOptional(req.PropertyID),
		roomType:   room,
		style:      style,
		cost:       cost,
	}
	if len(req.Image) > 0 {
		spec.image = req.Image
	} else {
		spec.originalURL = imageURL
	}
	return s.dispatch(ctx, spec)
}

// dispatch selects a provider, records the job and runs it. Once the job row
// exists it never returns an error: failures are recorded on the job instead.
func (s *Service) dispatch(ctx context.Context, spec jobSpec) (SubmitResult, error) {
	sel, err := s.router.Select(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	adapter := sel.Adapter
	if sel.FallbackUsed {
		telemetry.ProviderFallbacks.Inc()
		s.logger.Warn().Str("provider", adapter.ID()).Msg("preferred provider unavailable, using fallback")
	}

	if spec.originalURL == "" {
		ref, err := s.storeOriginal(ctx, spec.ownerID, spec.image)
		if err != nil {
			return SubmitResult{}, err
		}
		spec.originalURL = ref
	}

	job := models.StagingJob{
		ID:               s.newID(),
		OwnerID:          spec.ownerID,
		PropertyID:       spec.propertyID,
		OriginalImageURL: spec.originalURL,
		RoomType:         spec.roomType,
		Style:            spec.style,
		Status:           models.StatusProcessing,
		Provider:         adapter.ID(),
		CreditsUsed:      spec.cost,
		FreeRemix:        spec.freeRemix,
		VersionGroupID:   spec.groupID,
		ParentJobID:      spec.parentID,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}
	log := s.jobLogger(job)
	log.Info().Bool("fallback", sel.FallbackUsed).Int("cost", job.CreditsUsed).Msg("job created")

	result := SubmitResult{FallbackUsed: sel.FallbackUsed}
	image, mime, err := s.loadSource(ctx, spec)
	if err != nil {
		result.Job = s.failNow(ctx, job, err.Error())
		return result, nil
	}
	stageReq := provider.StageRequest{
		JobID:    job.ID,
		Image:    image,
		MIMEType: mime,
		RoomType: job.RoomType,
		Style:    job.Style,
	}

	callCtx := ctx
	if s.opts.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.opts.ProviderTimeout)
		defer cancel()
	}

	if syncAdapter, ok := provider.AsSync(adapter); ok {
		telemetry.JobsSubmitted.WithLabelValues(job.Provider, "sync").Inc()
		res, err := syncAdapter.StageImageSync(callCtx, stageReq)
		outcome := Outcome{Status: provider.PredictionSucceeded, ImageData: res.ImageData, MIMEType: res.MIMEType, inline: true}
		switch {
		case err != nil:
			outcome = Outcome{Status: provider.PredictionFailed, Error: err.Error()}
		case !res.Success:
			outcome = Outcome{Status: provider.PredictionFailed, Error: res.Error}
		}
		final, _, err := s.finalize(ctx, job, outcome)
		if err != nil {
			log.Error().Err(err).Msg("finalize synchronous job")
		}
		result.Job = final
		return result, nil
	}

	asyncAdapter, ok := provider.AsAsync(adapter)
	if !ok {
		result.Job = s.failNow(ctx, job, "provider supports no dispatch mode")
		return result, nil
	}
	telemetry.JobsSubmitted.WithLabelValues(job.Provider, "async").Inc()
	handle, err := asyncAdapter.StageImageAsync(callCtx, stageReq, s.webhookURL(job.Provider))
	if err != nil {
		result.Job = s.failNow(ctx, job, err.Error())
		return result, nil
	}
	if err := s.store.SetExternalID(ctx, job.ID, handle.PredictionID); err != nil {
		result.Job = s.failNow(ctx, job, "record prediction handle: "+err.Error())
		return result, nil
	}
	job.ExternalID = &handle.PredictionID

	if s.scheduler != nil {
		runAt := s.now().Add(adapter.BaselineDuration())
		if err := s.scheduler.Schedule(ctx, job.ID, 0, runAt); err != nil {
			log.Warn().Err(err).Msg("schedule reconcile check")
		}
	}
	log.Info().Str("external_id", handle.PredictionID).Msg("prediction accepted")

	result.Job = job
	result.PollURL = "/jobs/" + job.ID
	return result, nil
}

// GetJob returns a job scoped to its owner.
func (s *Service) GetJob(ctx context.Context, ownerID, id string) (models.StagingJob, error) {
	return s.store.GetJob(ctx, ownerID, id)
}

// UpdateMetadata changes favorite or property assignment without touching the state machine.
func (s *Service) UpdateMetadata(ctx context.Context, ownerID, id string, patch models.MetadataPatch) (models.StagingJob, error) {
	patch.PropertyID = trimOptional(patch.PropertyID)
	return s.store.UpdateMetadata(ctx, ownerID, id, patch)
}

// Credits reports the owner's balance, opening an account on first use.
func (s *Service) Credits(ctx context.Context, ownerID string) (models.CreditCheck, error) {
	if err := s.store.EnsureAccount(ctx, ownerID, s.opts.SignupCredits); err != nil {
		return models.CreditCheck{}, err
	}
	return s.store.Check(ctx, ownerID, 0)
}

// ProviderHealth exposes router diagnostics.
func (s *Service) ProviderHealth(ctx context.Context) map[string]provider.Health {
	return s.router.Health(ctx)
}

func (s *Service) requireCredits(ctx context.Context, ownerID string, cost int) error {
	if cost <= 0 {
		return nil
	}
	if err := s.store.EnsureAccount(ctx, ownerID, s.opts.SignupCredits); err != nil {
		return err
	}
	check, err := s.store.Check(ctx, ownerID, cost)
	if err != nil {
		return err
	}
	if !check.Sufficient {
		return &InsufficientCreditsError{Required: cost, Available: check.Available}
	}
	return nil
}

func (s *Service) storeOriginal(ctx context.Context, ownerID string, data []byte) (string, error) {
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", &ValidationError{Field: "image", Message: "upload is not an image"}
	}
	key := fmt.Sprintf("originals/%s/%s%s", url.PathEscape(ownerID), contentHash(data), storage.ExtensionForMIME(mime))
	ref, err := s.uploader.Upload(ctx, key, data, mime)
	if err != nil {
		return "", fmt.Errorf("store original image: %w", err)
	}
	return ref, nil
}

func (s *Service) loadSource(ctx context.Context, spec jobSpec) ([]byte, string, error) {
	data := spec.image
	if len(data) == 0 {
		fetched, _, err := s.fetcher.Fetch(ctx, spec.originalURL)
		if err != nil {
			return nil, "", fmt.Errorf("fetch source image: %w", err)
		}
		data = fetched
	}
	return normalizeSource(data, s.opts.MaxImageEdge)
}

func (s *Service) webhookURL(providerID string) string {
	return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/webhooks/" + url.PathEscape(providerID)
}

func (s *Service) jobLogger(job models.StagingJob) zerolog.Logger {
	return s.logger.With().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Str("provider", job.Provider).
		Logger()
}

func parseEnums(rawRoom, rawStyle string) (models.RoomType, models.Style, error) {
	room, ok := models.ParseRoomType(rawRoom)
	if !ok {
		return "", "", &ValidationError{Field: "room_type", Message: fmt.Sprintf("unknown value %q", rawRoom)}
	}
	style, ok := models.ParseStyle(rawStyle)
	if !ok {
		return "", "", &ValidationError{Field: "style", Message: fmt.Sprintf("unknown value %q", rawStyle)}
	}
	return room, style, nil
}

func normalizeOptional(v *string) *string {
	v = trimOptional(v)
	if v == nil || *v == "" {
		return nil
	}
	return v
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	return &trimmed
}
