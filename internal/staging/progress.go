package staging

import (
	"time"

	"virtual-staging/internal/models"
)

// Progress projects a coarse step and an estimated remaining time from the
// elapsed wall-clock time and a provider baseline. It is advisory only.
func Progress(job models.StagingJob, baseline time.Duration, now time.Time) (models.ProgressStep, time.Duration) {
	switch job.Status {
	case models.StatusCompleted:
		return models.StepCompleted, 0
	case models.StatusFailed:
		return models.StepFailed, 0
	case models.StatusPending:
		return models.StepQueued, baseline
	}

	if baseline <= 0 {
		return models.StepGenerating, 0
	}
	elapsed := now.Sub(job.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := baseline - elapsed
	if remaining < 0 {
		remaining = 0
	}

	ratio := float64(elapsed) / float64(baseline)
	switch {
	case ratio < 0.15:
		return models.StepPreprocessing, remaining
	case ratio < 0.85:
		return models.StepGenerating, remaining
	default:
		return models.StepUploading, remaining
	}
}
