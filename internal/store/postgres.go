package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"virtual-staging/internal/models"
)

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence of jobs, version groups, credits and notifications.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, owner_id, property_id, original_image_url, room_type, style, status, provider,
	external_id, staged_image_url, error, credits_used, free_remix, is_favorite, version_group_id,
	parent_job_id, is_primary_version, processing_ms, created_at, completed_at`

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job models.StagingJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staging_jobs (id, owner_id, property_id, original_image_url, room_type, style, status, provider,
			credits_used, free_remix, version_group_id, parent_job_id, is_primary_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.ID, job.OwnerID, job.PropertyID, job.OriginalImageURL, string(job.RoomType), string(job.Style),
		string(job.Status), job.Provider, job.CreditsUsed, job.FreeRemix, job.VersionGroupID, job.ParentJobID,
		job.IsPrimaryVersion, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job scoped to its owner.
func (s *Store) GetJob(ctx context.Context, ownerID, id string) (models.StagingJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM staging_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanJob(row)
}

// GetJobByID fetches a job regardless of owner. Used by the reconcile worker.
func (s *Store) GetJobByID(ctx context.Context, id string) (models.StagingJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM staging_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByExternalID fetches a job by the provider's prediction handle.
func (s *Store) GetJobByExternalID(ctx context.Context, provider, externalID string) (models.StagingJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM staging_jobs WHERE provider = $1 AND external_id = $2`, provider, externalID)
	return scanJob(row)
}

// SetExternalID records the provider handle of a processing job.
func (s *Store) SetExternalID(ctx context.Context, id, externalID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE staging_jobs SET external_id = $2 WHERE id = $1 AND status = 'processing'
	`, id, externalID)
	if err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CompleteJob transitions a processing job to completed. It reports false when
// the job was no longer processing, in which case nothing was written.
func (s *Store) CompleteJob(ctx context.Context, id string, c models.Completion) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE staging_jobs
		SET status = 'completed', staged_image_url = $2, credits_used = $3, completed_at = $4, processing_ms = $5, error = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, c.StagedImageURL, c.CreditsUsed, c.CompletedAt, c.ProcessingMS)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob transitions a processing job to failed with no credits consumed.
func (s *Store) FailJob(ctx context.Context, id string, f models.Failure) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE staging_jobs
		SET status = 'failed', error = $2, credits_used = 0, completed_at = $3, processing_ms = $4, staged_image_url = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, f.Error, f.CompletedAt, f.ProcessingMS)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetCreditsUsed overwrites the recorded cost of a job.
func (s *Store) SetCreditsUsed(ctx context.Context, id string, credits int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE staging_jobs SET credits_used = $2 WHERE id = $1`, id, credits)
	if err != nil {
		return fmt.Errorf("set credits used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateMetadata changes favorite/property fields, which sit outside the state machine.
func (s *Store) UpdateMetadata(ctx context.Context, ownerID, id string, patch models.MetadataPatch) (models.StagingJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE staging_jobs
		SET is_favorite = COALESCE($3::boolean, is_favorite),
		    property_id = CASE WHEN $4::boolean THEN NULLIF($5::text, '') ELSE property_id END
		WHERE id = $1 AND owner_id = $2
		RETURNING `+jobColumns,
		id, ownerID, patch.IsFavorite, patch.PropertyID != nil, derefString(patch.PropertyID))
	return scanJob(row)
}

// ListGroupJobs returns every job of a version group, oldest first.
func (s *Store) ListGroupJobs(ctx context.Context, ownerID, groupID string) ([]models.StagingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM staging_jobs
		WHERE version_group_id = $1 AND owner_id = $2
		ORDER BY created_at ASC
	`, groupID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list group jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.StagingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group jobs: %w", err)
	}
	return jobs, nil
}

// ListStaleJobs returns ids of jobs still processing that were created before cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM staging_jobs WHERE status = 'processing' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect stale jobs: %w", err)
	}
	return ids, nil
}

// FindOrCreateGroup is an idempotent upsert keyed by (owner, content hash):
// a concurrent insert losing the race re-reads the winner's row.
func (s *Store) FindOrCreateGroup(ctx context.Context, ownerID, contentHash, originalURL string) (models.VersionGroup, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO version_groups (id, owner_id, content_hash, original_image_url, free_remixes_used, created_at)
		VALUES ($1, $2, $3, $4, 0, NOW())
		ON CONFLICT (owner_id, content_hash) DO NOTHING
	`, uuid.New().String(), ownerID, contentHash, originalURL)
	if err != nil {
		return models.VersionGroup{}, fmt.Errorf("insert version group: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, content_hash, original_image_url, free_remixes_used, created_at
		FROM version_groups WHERE owner_id = $1 AND content_hash = $2
	`, ownerID, contentHash)
	return scanGroup(row)
}

// GetGroup fetches a version group scoped to its owner.
func (s *Store) GetGroup(ctx context.Context, ownerID, id string) (models.VersionGroup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, content_hash, original_image_url, free_remixes_used, created_at
		FROM version_groups WHERE id = $1 AND owner_id = $2
	`, id, ownerID)
	return scanGroup(row)
}

// AttachToGroup links an ungrouped job to a group. When primary is requested the
// flag is only taken if no other member holds it.
func (s *Store) AttachToGroup(ctx context.Context, jobID, groupID string, primary bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE staging_jobs
		SET version_group_id = $2,
		    is_primary_version = $3::boolean AND NOT EXISTS (
		        SELECT 1 FROM staging_jobs WHERE version_group_id = $2 AND is_primary_version
		    )
		WHERE id = $1 AND version_group_id IS NULL
	`, jobID, groupID, primary)
	if isUniqueViolation(err) {
		// Another attach won the primary flag concurrently.
		_, err = s.pool.Exec(ctx, `
			UPDATE staging_jobs SET version_group_id = $2 WHERE id = $1 AND version_group_id IS NULL
		`, jobID, groupID)
	}
	if err != nil {
		return fmt.Errorf("attach job to group: %w", err)
	}
	return nil
}

// ClaimFreeRemix atomically consumes one free remix if fewer than limit were used.
func (s *Store) ClaimFreeRemix(ctx context.Context, groupID string, limit int) (models.VersionGroup, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE version_groups SET free_remixes_used = free_remixes_used + 1
		WHERE id = $1 AND free_remixes_used < $2
		RETURNING id, owner_id, content_hash, original_image_url, free_remixes_used, created_at
	`, groupID, limit)
	group, err := scanGroup(row)
	if err == nil {
		return group, true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.VersionGroup{}, false, err
	}
	row = s.pool.QueryRow(ctx, `
		SELECT id, owner_id, content_hash, original_image_url, free_remixes_used, created_at
		FROM version_groups WHERE id = $1
	`, groupID)
	group, err = scanGroup(row)
	if err != nil {
		return models.VersionGroup{}, false, err
	}
	return group, false, nil
}

// ReleaseFreeRemix gives back a claimed free remix.
func (s *Store) ReleaseFreeRemix(ctx context.Context, groupID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE version_groups SET free_remixes_used = free_remixes_used - 1
		WHERE id = $1 AND free_remixes_used > 0
	`, groupID)
	if err != nil {
		return fmt.Errorf("release free remix: %w", err)
	}
	return nil
}

// SetPrimary moves the primary flag of a group to jobID. The group row is
// locked so concurrent reassignments serialize.
func (s *Store) SetPrimary(ctx context.Context, groupID, jobID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM version_groups WHERE id = $1 FOR UPDATE`, groupID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("lock version group: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE staging_jobs SET is_primary_version = FALSE
		WHERE version_group_id = $1 AND is_primary_version AND id <> $2
	`, groupID, jobID); err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE staging_jobs SET is_primary_version = TRUE WHERE id = $1 AND version_group_id = $2
	`, jobID, groupID)
	if err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EnsureAccount opens a ledger account with an initial balance. Existing accounts are left untouched.
func (s *Store) EnsureAccount(ctx context.Context, ownerID string, initial int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (owner_id, credits_remaining, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, initial)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// Check reports the owner's balance against amount. Owners without an account have zero credits.
func (s *Store) Check(ctx context.Context, ownerID string, amount int) (models.CreditCheck, error) {
	var balance int
	err := s.pool.QueryRow(ctx, `SELECT credits_remaining FROM accounts WHERE owner_id = $1`, ownerID).Scan(&balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.CreditCheck{}, fmt.Errorf("query balance: %w", err)
	}
	return models.CreditCheck{Available: balance, Sufficient: balance >= amount}, nil
}

// Deduct atomically decrements the owner's balance by amount if it covers it, and
// records a ledger row. A job is charged at most once: a second deduction for the
// same job rolls back and reports the unchanged balance.
func (s *Store) Deduct(ctx context.Context, ownerID string, amount int, jobID string) (models.Deduction, error) {
	if amount <= 0 {
		check, err := s.Check(ctx, ownerID, 0)
		if err != nil {
			return models.Deduction{}, err
		}
		return models.Deduction{PreviousBalance: check.Available, NewBalance: check.Available, Success: true}, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Deduction{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var newBalance int
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET credits_remaining = credits_remaining - $2, updated_at = NOW()
		WHERE owner_id = $1 AND credits_remaining >= $2
		RETURNING credits_remaining
	`, ownerID, amount).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		check, cerr := s.Check(ctx, ownerID, amount)
		if cerr != nil {
			return models.Deduction{}, cerr
		}
		return models.Deduction{PreviousBalance: check.Available, NewBalance: check.Available}, nil
	}
	if err != nil {
		return models.Deduction{}, fmt.Errorf("decrement balance: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, owner_id, job_id, amount, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id) WHERE job_id IS NOT NULL DO NOTHING
	`, uuid.New().String(), ownerID, emptyToNil(jobID), -amount, newBalance)
	if err != nil {
		return models.Deduction{}, fmt.Errorf("insert credit transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		unchanged := newBalance + amount
		return models.Deduction{PreviousBalance: unchanged, NewBalance: unchanged, Success: true}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Deduction{}, fmt.Errorf("commit: %w", err)
	}
	return models.Deduction{PreviousBalance: newBalance + amount, NewBalance: newBalance, Success: true}, nil
}

// Notify stores a notification for the owner's inbox.
func (s *Store) Notify(ctx context.Context, n models.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, owner_id, type, title, message, link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), n.OwnerID, n.Type, n.Title, n.Message, emptyToNil(n.Link))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.StagingJob, error) {
	var (
		job                                     models.StagingJob
		roomType, style, status                 string
		propertyID, externalID, staged, errText pgtype.Text
		groupID, parentID                       pgtype.Text
		processingMS                            pgtype.Int8
		completedAt                             pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.OwnerID, &propertyID, &job.OriginalImageURL, &roomType, &style, &status,
		&job.Provider, &externalID, &staged, &errText, &job.CreditsUsed, &job.FreeRemix, &job.IsFavorite,
		&groupID, &parentID, &job.IsPrimaryVersion, &processingMS, &job.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StagingJob{}, models.ErrNotFound
		}
		return models.StagingJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.RoomType = models.RoomType(roomType)
	job.Style = models.Style(style)
	job.Status = models.JobStatus(status)
	job.PropertyID = textPtr(propertyID)
	job.ExternalID = textPtr(externalID)
	job.StagedImageURL = textPtr(staged)
	job.Error = textPtr(errText)
	job.VersionGroupID = textPtr(groupID)
	job.ParentJobID = textPtr(parentID)
	if processingMS.Valid {
		v := processingMS.Int64
		job.ProcessingMS = &v
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func scanGroup(row pgx.Row) (models.VersionGroup, error) {
	var g models.VersionGroup
	if err := row.Scan(&g.ID, &g.OwnerID, &g.ContentHash, &g.OriginalImageURL, &g.FreeRemixesUsed, &g.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VersionGroup{}, models.ErrNotFound
		}
		return models.VersionGroup{}, fmt.Errorf("scan version group: %w", err)
	}
	return g, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
