package staging

import (
	"context"
	"fmt"
	"strings"

	"virtual-staging/internal/models"
)

// RemixRequest asks for a new rendering of an existing job's original photo.
type RemixRequest struct {
	OwnerID    string
	JobID      string
	RoomType   string
	Style      string
	PropertyID *string
}

// RemixResult extends SubmitResult with the lineage's free-remix accounting.
type RemixResult struct {
	SubmitResult
	IsFreeRemix          bool   `json:"is_free_remix"`
	FreeRemixesRemaining int    `json:"free_remixes_remaining"`
	VersionGroupID       string `json:"version_group_id"`
}

// Remix links the source job into its version group and dispatches a new job
// for the same original photo. The first FreeRemixLimit remixes of a lineage
// are free; later ones cost RemixCreditCost and are rejected before any job is
// created when the balance does not cover them.
func (s *Service) Remix(ctx context.Context, req RemixRequest) (RemixResult, error) {
	room, style, err := parseEnums(req.RoomType, req.Style)
	if err != nil {
		return RemixResult{}, err
	}
	owner := strings.TrimSpace(req.OwnerID)
	source, err := s.store.GetJob(ctx, owner, req.JobID)
	if err != nil {
		return RemixResult{}, err
	}

	// Price the remix before any lineage write. An ungrouped source can only
	// be billed when there is no free quota at all; a grouped one when its
	// quota is spent. A race on the quota is settled by the claim below.
	var existing *models.VersionGroup
	if source.VersionGroupID != nil {
		g, err := s.store.GetGroup(ctx, owner, *source.VersionGroupID)
		if err != nil {
			return RemixResult{}, err
		}
		existing = &g
	}
	if s.opts.FreeRemixLimit <= 0 || (existing != nil && existing.FreeRemixesUsed >= s.opts.FreeRemixLimit) {
		if err := s.requireCredits(ctx, owner, s.opts.RemixCreditCost); err != nil {
			return RemixResult{}, err
		}
	}

	group := existing
	if group == nil {
		g, err := s.store.FindOrCreateGroup(ctx, owner, LineageKey(source.OriginalImageURL), source.OriginalImageURL)
		if err != nil {
			return RemixResult{}, fmt.Errorf("find or create version group: %w", err)
		}
		group = &g
	}

	claimed, free, err := s.store.ClaimFreeRemix(ctx, group.ID, s.opts.FreeRemixLimit)
	if err != nil {
		return RemixResult{}, fmt.Errorf("claim free remix: %w", err)
	}
	cost := 0
	if !free {
		cost = s.opts.RemixCreditCost
		if err := s.requireCredits(ctx, owner, cost); err != nil {
			return RemixResult{}, err
		}
	}

	if existing == nil {
		// The first remix makes the source the lineage's primary version.
		if err := s.store.AttachToGroup(ctx, source.ID, group.ID, true); err != nil {
			s.releaseClaim(ctx, group.ID, free)
			return RemixResult{}, err
		}
	}

	propertyID := normalizeOptional(req.PropertyID)
	if propertyID == nil {
		propertyID = source.PropertyID
	}
	groupID := group.ID
	parentID := source.ID
	res, err := s.dispatch(ctx, jobSpec{
		ownerID:     owner,
		propertyID:  propertyID,
		roomType:    room,
		style:       style,
		originalURL: source.OriginalImageURL,
		cost:        cost,
		freeRemix:   free,
		groupID:     &groupID,
		parentID:    &parentID,
	})
	if err != nil {
		// No job was created, so the claim must not count.
		s.releaseClaim(ctx, group.ID, free)
		return RemixResult{}, err
	}

	used := claimed.FreeRemixesUsed
	if free && res.Job.Status == models.StatusFailed {
		// The failed job gave its free slot back.
		if fresh, err := s.store.GetGroup(ctx, owner, group.ID); err == nil {
			used = fresh.FreeRemixesUsed
		}
	}
	remaining := s.opts.FreeRemixLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return RemixResult{
		SubmitResult:         res,
		IsFreeRemix:          free,
		FreeRemixesRemaining: remaining,
		VersionGroupID:       group.ID,
	}, nil
}

func (s *Service) releaseClaim(ctx context.Context, groupID string, free bool) {
	if !free {
		return
	}
	if err := s.store.ReleaseFreeRemix(ctx, groupID); err != nil {
		s.logger.Warn().Err(err).Str("version_group_id", groupID).Msg("release free remix")
	}
}

// SetPrimary makes jobID the primary version of its group.
func (s *Service) SetPrimary(ctx context.Context, ownerID, jobID string) (models.StagingJob, error) {
	job, err := s.store.GetJob(ctx, ownerID, jobID)
	if err != nil {
		return models.StagingJob{}, err
	}
	if job.VersionGroupID == nil {
		return models.StagingJob{}, &ValidationError{Field: "job", Message: "is not part of a version group"}
	}
	if err := s.store.SetPrimary(ctx, *job.VersionGroupID, job.ID); err != nil {
		return models.StagingJob{}, err
	}
	job.IsPrimaryVersion = true
	return job, nil
}

// ListVersions returns every job of a version group, oldest first.
func (s *Service) ListVersions(ctx context.Context, ownerID, groupID string) (models.VersionGroup, []models.StagingJob, error) {
	group, err := s.store.GetGroup(ctx, ownerID, groupID)
	if err != nil {
		return models.VersionGroup{}, nil, err
	}
	jobs, err := s.store.ListGroupJobs(ctx, ownerID, groupID)
	if err != nil {
		return models.VersionGroup{}, nil, err
	}
	return group, jobs, nil
}
