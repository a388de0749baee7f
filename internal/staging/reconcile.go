package staging

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"virtual-staging/internal/models"
	"virtual-staging/internal/provider"
	"virtual-staging/internal/storage"
	"virtual-staging/internal/telemetry"
)

// Outcome is a provider result ready to be applied to a job.
type Outcome struct {
	Status    provider.PredictionState
	ImageData []byte
	MIMEType  string
	OutputURL string
	Error     string
	// inline marks results returned within the request; a storage failure then
	// falls back to an inline data URI instead of failing the job.
	inline bool
}

// OutcomeFromPrediction converts a vendor prediction into an Outcome.
func OutcomeFromPrediction(p provider.Prediction) Outcome {
	return Outcome{Status: p.Status, OutputURL: p.OutputURL(), Error: p.Error}
}

// StatusView is the poll response for one job.
type StatusView struct {
	ID                     string              `json:"id"`
	Status                 models.JobStatus    `json:"status"`
	ProgressStep           models.ProgressStep `json:"progress_step"`
	EstimatedTimeRemaining int                 `json:"estimated_time_remaining"`
	StagedImageURL         *string             `json:"staged_image_url"`
	OriginalImageURL       string              `json:"original_image_url"`
	Error                  *string             `json:"error"`
	Provider               string              `json:"provider"`
	RoomType               models.RoomType     `json:"room_type"`
	Style                  models.Style        `json:"style"`
	CreditsUsed            int                 `json:"credits_used"`
	VersionGroupID         *string             `json:"version_group_id"`
	IsPrimaryVersion       bool                `json:"is_primary_version"`
	ProcessingMS           *int64              `json:"processing_ms"`
	CreatedAt              time.Time           `json:"created_at"`
	CompletedAt            *time.Time          `json:"completed_at"`
}

// HandleWebhook applies a vendor delivery. Unknown handles and intermediate
// statuses are acknowledged without effect.
func (s *Service) HandleWebhook(ctx context.Context, providerID string, pred provider.Prediction) error {
	if pred.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	job, err := s.store.GetJobByExternalID(ctx, providerID, pred.ID)
	if errors.Is(err, models.ErrNotFound) {
		s.logger.Debug().Str("provider", providerID).Str("external_id", pred.ID).Msg("webhook for unknown prediction")
		return nil
	}
	if err != nil {
		return err
	}
	if !pred.Status.Terminal() {
		return nil
	}
	_, _, err = s.finalize(ctx, job, OutcomeFromPrediction(pred))
	return err
}

// Status returns the poll view of a job. A job still processing on an
// asynchronous provider is checked with the vendor first; vendor errors only
// leave the view unchanged.
func (s *Service) Status(ctx context.Context, ownerID, id string) (StatusView, error) {
	job, err := s.store.GetJob(ctx, ownerID, id)
	if err != nil {
		return StatusView{}, err
	}
	if job.Status == models.StatusProcessing && job.ExternalID != nil {
		refreshed, err := s.refresh(ctx, job, true)
		if err != nil {
			log := s.jobLogger(job)
			log.Warn().Err(err).Msg("poll vendor status")
		}
		job = refreshed
	}
	return s.view(job), nil
}

// Refresh queries the vendor for a processing asynchronous job and finalizes it
// when the prediction has ended.
func (s *Service) Refresh(ctx context.Context, id string) (models.StagingJob, error) {
	job, err := s.store.GetJobByID(ctx, id)
	if err != nil {
		return models.StagingJob{}, err
	}
	if job.Status != models.StatusProcessing || job.ExternalID == nil {
		return job, nil
	}
	return s.refresh(ctx, job, false)
}

// Expire fails a job that is still processing. It reports whether this call
// performed the transition.
func (s *Service) Expire(ctx context.Context, id, reason string) (bool, error) {
	job, err := s.store.GetJobByID(ctx, id)
	if err != nil {
		return false, err
	}
	_, applied, err := s.finalize(ctx, job, Outcome{Status: provider.PredictionFailed, Error: reason})
	if applied {
		telemetry.ReconcileExpired.Inc()
	}
	return applied, err
}

// ExpireStale fails every job processing since before cutoff and returns their ids.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time, limit int, reason string) ([]string, error) {
	ids, err := s.store.ListStaleJobs(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, id := range ids {
		applied, err := s.Expire(ctx, id, reason)
		if err != nil {
			return expired, err
		}
		if applied {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (s *Service) refresh(ctx context.Context, job models.StagingJob, throttled bool) (models.StagingJob, error) {
	adapter, ok := s.router.Adapter(job.Provider)
	if !ok {
		return job, nil
	}
	asyncAdapter, ok := provider.AsAsync(adapter)
	if !ok {
		return job, nil
	}
	if throttled && s.throttle != nil {
		allowed, err := s.throttle.AllowPoll(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("poll throttle: %w", err)
		}
		if !allowed {
			telemetry.PollThrottled.Inc()
			return job, nil
		}
	}
	pred, err := asyncAdapter.PredictionStatus(ctx, *job.ExternalID)
	if err != nil {
		return job, err
	}
	if !pred.Status.Terminal() {
		return job, nil
	}
	final, _, err := s.finalize(ctx, job, OutcomeFromPrediction(pred))
	return final, err
}

// finalize is the single completion routine shared by the synchronous path,
// webhooks, polls and the reconcile worker. The guarded terminal write is the
// linearization point: only the caller whose write applied charges credits,
// releases free remixes and notifies.
func (s *Service) finalize(ctx context.Context, job models.StagingJob, out Outcome) (models.StagingJob, bool, error) {
	if job.Status != models.StatusProcessing {
		telemetry.DuplicateFinalize.Inc()
		return job, false, nil
	}
	log := s.jobLogger(job)

	var (
		final   models.StagingJob
		applied bool
		err     error
	)
	switch out.Status {
	case provider.PredictionSucceeded:
		stagedURL, perr := s.persistResult(ctx, job, out, log)
		if perr != nil {
			final, applied, err = s.markFailed(ctx, job, perr.Error(), log)
		} else {
			final, applied, err = s.markCompleted(ctx, job, stagedURL, log)
		}
	case provider.PredictionFailed:
		final, applied, err = s.markFailed(ctx, job, out.Error, log)
	case provider.PredictionCanceled:
		msg := out.Error
		if strings.TrimSpace(msg) == "" {
			msg = "generation was canceled"
		}
		final, applied, err = s.markFailed(ctx, job, msg, log)
	default:
		return job, false, nil
	}
	if applied && job.ExternalID != nil && s.scheduler != nil {
		if cerr := s.scheduler.Cancel(ctx, job.ID); cerr != nil {
			log.Warn().Err(cerr).Msg("cancel reconcile check")
		}
	}
	return final, applied, err
}

func (s *Service) persistResult(ctx context.Context, job models.StagingJob, out Outcome, log zerolog.Logger) (string, error) {
	data, mime := out.ImageData, out.MIMEType
	if len(data) == 0 {
		if out.OutputURL == "" {
			return "", errors.New("provider reported success without an image")
		}
		fetched, fetchedMIME, err := s.fetcher.Fetch(ctx, out.OutputURL)
		if err != nil {
			return "", fmt.Errorf("fetch generated image: %w", err)
		}
		data, mime = fetched, fetchedMIME
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}

	key := fmt.Sprintf("staged/%s/%s%s", url.PathEscape(job.OwnerID), job.ID, storage.ExtensionForMIME(mime))
	ref, err := s.uploader.Upload(ctx, key, data, mime)
	if err != nil {
		if out.inline {
			log.Warn().Err(err).Msg("upload failed, returning image inline")
			return storage.DataURI(mime, data), nil
		}
		return "", fmt.Errorf("store generated image: %w", err)
	}
	return ref, nil
}

func (s *Service) markCompleted(ctx context.Context, job models.StagingJob, stagedURL string, log zerolog.Logger) (models.StagingJob, bool, error) {
	now := s.now().UTC()
	elapsed := now.Sub(job.CreatedAt)
	c := models.Completion{
		StagedImageURL: stagedURL,
		CreditsUsed:    job.CreditsUsed,
		CompletedAt:    now,
		ProcessingMS:   elapsed.Milliseconds(),
	}
	applied, err := s.store.CompleteJob(ctx, job.ID, c)
	if err != nil {
		return job, false, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !applied {
		telemetry.DuplicateFinalize.Inc()
		return s.reload(ctx, job), false, nil
	}

	job.Status = models.StatusCompleted
	job.StagedImageURL = &c.StagedImageURL
	job.CompletedAt = &c.CompletedAt
	job.ProcessingMS = &c.ProcessingMS

	if !s.charge(ctx, job, log) {
		// The ledger did not take the charge, so the job must not claim it.
		if err := s.store.SetCreditsUsed(ctx, job.ID, 0); err != nil {
			log.Error().Err(err).Msg("clear credits_used of uncharged job")
		} else {
			job.CreditsUsed = 0
		}
	}
	s.notify(ctx, job, log)
	telemetry.JobsCompleted.WithLabelValues(job.Provider).Inc()
	telemetry.ProcessingSeconds.WithLabelValues(job.Provider, string(job.Status)).Observe(elapsed.Seconds())
	log.Info().Int64("processing_ms", c.ProcessingMS).Msg("job completed")
	return job, true, nil
}

func (s *Service) markFailed(ctx context.Context, job models.StagingJob, reason string, log zerolog.Logger) (models.StagingJob, bool, error) {
	now := s.now().UTC()
	elapsed := now.Sub(job.CreatedAt)
	f := models.Failure{
		Error:        sanitizeError(reason),
		CompletedAt:  now,
		ProcessingMS: elapsed.Milliseconds(),
	}
	applied, err := s.store.FailJob(ctx, job.ID, f)
	if err != nil {
		return job, false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !applied {
		telemetry.DuplicateFinalize.Inc()
		return s.reload(ctx, job), false, nil
	}

	job.Status = models.StatusFailed
	job.Error = &f.Error
	job.CreditsUsed = 0
	job.CompletedAt = &f.CompletedAt
	job.ProcessingMS = &f.ProcessingMS

	if job.FreeRemix && job.VersionGroupID != nil {
		if err := s.store.ReleaseFreeRemix(ctx, *job.VersionGroupID); err != nil {
			log.Warn().Err(err).Msg("release free remix")
		}
	}
	s.notify(ctx, job, log)
	telemetry.JobsFailed.WithLabelValues(job.Provider).Inc()
	telemetry.ProcessingSeconds.WithLabelValues(job.Provider, string(job.Status)).Observe(elapsed.Seconds())
	log.Warn().Str("error", f.Error).Msg("job failed")
	return job, true, nil
}

// failNow records a pipeline failure for a job that was just created.
func (s *Service) failNow(ctx context.Context, job models.StagingJob, reason string) models.StagingJob {
	final, _, err := s.finalize(ctx, job, Outcome{Status: provider.PredictionFailed, Error: reason})
	if err != nil {
		log := s.jobLogger(job)
		log.Error().Err(err).Msg("record job failure")
	}
	return final
}

// charge deducts the job's credits. It returns false only when the ledger
// refused the deduction; a store error leaves the outcome unknown and the
// recorded cost in place.
func (s *Service) charge(ctx context.Context, job models.StagingJob, log zerolog.Logger) bool {
	if job.CreditsUsed <= 0 {
		return true
	}
	d, err := s.store.Deduct(ctx, job.OwnerID, job.CreditsUsed, job.ID)
	if err != nil {
		log.Error().Err(err).Int("amount", job.CreditsUsed).Msg("deduct credits")
		return true
	}
	if !d.Success {
		telemetry.ChargesRefused.Inc()
		log.Error().Int("amount", job.CreditsUsed).Int("balance", d.PreviousBalance).Msg("balance no longer covers completed job")
		return false
	}
	if d.NewBalance < d.PreviousBalance {
		telemetry.CreditsDeducted.Add(float64(d.PreviousBalance - d.NewBalance))
	}
	return true
}

func (s *Service) notify(ctx context.Context, job models.StagingJob, log zerolog.Logger) {
	room := provider.RoomLabel(job.RoomType)
	style := provider.StyleLabel(job.Style)
	n := models.Notification{OwnerID: job.OwnerID, Link: "/jobs/" + job.ID}
	if job.Status == models.StatusCompleted {
		n.Type = "staging_completed"
		n.Title = "Staging complete"
		n.Message = fmt.Sprintf("Your %s in %s style is ready.", room, style)
	} else {
		n.Type = "staging_failed"
		n.Title = "Staging failed"
		n.Message = fmt.Sprintf("Your %s in %s style could not be staged.", room, style)
		if job.Error != nil {
			n.Message += " " + *job.Error
		}
	}
	if err := s.store.Notify(ctx, n); err != nil {
		log.Warn().Err(err).Str("type", n.Type).Msg("notify owner")
	}
}

func (s *Service) reload(ctx context.Context, job models.StagingJob) models.StagingJob {
	fresh, err := s.store.GetJobByID(ctx, job.ID)
	if err != nil {
		return job
	}
	return fresh
}

func (s *Service) view(job models.StagingJob) StatusView {
	var baseline time.Duration
	if adapter, ok := s.router.Adapter(job.Provider); ok {
		baseline = adapter.BaselineDuration()
	}
	step, remaining := Progress(job, baseline, s.now())
	return StatusView{
		ID:                     job.ID,
		Status:                 job.Status,
		ProgressStep:           step,
		EstimatedTimeRemaining: int(remaining.Round(time.Second) / time.Second),
		StagedImageURL:         job.StagedImageURL,
		OriginalImageURL:       job.OriginalImageURL,
		Error:                  job.Error,
		Provider:               job.Provider,
		RoomType:               job.RoomType,
		Style:                  job.Style,
		CreditsUsed:            job.CreditsUsed,
		VersionGroupID:         job.VersionGroupID,
		IsPrimaryVersion:       job.IsPrimaryVersion,
		ProcessingMS:           job.ProcessingMS,
		CreatedAt:              job.CreatedAt,
		CompletedAt:            job.CompletedAt,
	}
}
