package staging

import (
	"context"
	"time"

	"virtual-staging/internal/models"
)

// JobStore persists staging jobs. CompleteJob and FailJob only apply to jobs
// that are still processing and report whether they did.
type JobStore interface {
	CreateJob(ctx context.Context, job models.StagingJob) error
	GetJob(ctx context.Context, ownerID, id string) (models.StagingJob, error)
	GetJobByID(ctx context.Context, id string) (models.StagingJob, error)
	GetJobByExternalID(ctx context.Context, provider, externalID string) (models.StagingJob, error)
	SetExternalID(ctx context.Context, id, externalID string) error
	CompleteJob(ctx context.Context, id string, c models.Completion) (bool, error)
	FailJob(ctx context.Context, id string, f models.Failure) (bool, error)
	SetCreditsUsed(ctx context.Context, id string, credits int) error
	UpdateMetadata(ctx context.Context, ownerID, id string, patch models.MetadataPatch) (models.StagingJob, error)
	ListGroupJobs(ctx context.Context, ownerID, groupID string) ([]models.StagingJob, error)
	ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// GroupStore persists version groups and their free-remix counters.
type GroupStore interface {
	FindOrCreateGroup(ctx context.Context, ownerID, contentHash, originalURL string) (models.VersionGroup, error)
	GetGroup(ctx context.Context, ownerID, id string) (models.VersionGroup, error)
	AttachToGroup(ctx context.Context, jobID, groupID string, primary bool) error
	ClaimFreeRemix(ctx context.Context, groupID string, limit int) (models.VersionGroup, bool, error)
	ReleaseFreeRemix(ctx context.Context, groupID string) error
	SetPrimary(ctx context.Context, groupID, jobID string) error
}

// Ledger holds per-owner credit balances. Deduct must be an atomic conditional
// decrement and charge a given job at most once.
type Ledger interface {
	EnsureAccount(ctx context.Context, ownerID string, initial int) error
	Check(ctx context.Context, ownerID string, amount int) (models.CreditCheck, error)
	Deduct(ctx context.Context, ownerID string, amount int, jobID string) (models.Deduction, error)
}

// Notifier delivers owner notifications. Failures never fail a job.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Store is everything the service needs from the record store.
type Store interface {
	JobStore
	GroupStore
	Ledger
	Notifier
}

// Fetcher downloads an image by reference.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// Scheduler arranges a later reconcile check for an asynchronous job and drops
// it once the job has settled.
type Scheduler interface {
	Schedule(ctx context.Context, jobID string, attempt int, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// PollThrottle bounds how often a client poll may query the vendor for one job.
type PollThrottle interface {
	AllowPoll(ctx context.Context, jobID string) (bool, error)
}
