// Package memory is an in-process store with the same guarded-update semantics
// as the Postgres store. It backs tests and STORE_DRIVER=memory development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"virtual-staging/internal/models"
)

// Transaction is one ledger entry.
type Transaction struct {
	OwnerID      string
	JobID        string
	Amount       int
	BalanceAfter int
}

type Store struct {
	mu            sync.Mutex
	jobs          map[string]models.StagingJob
	groups        map[string]models.VersionGroup
	balances      map[string]int
	charged       map[string]bool
	transactions  []Transaction
	notifications []models.Notification
}

func New() *Store {
	return &Store{
		jobs:     make(map[string]models.StagingJob),
		groups:   make(map[string]models.VersionGroup),
		balances: make(map[string]int),
		charged:  make(map[string]bool),
	}
}

// SetBalance overwrites an owner's credit balance.
func (s *Store) SetBalance(ownerID string, credits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[ownerID] = credits
}

// Balance returns an owner's current credit balance.
func (s *Store) Balance(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[ownerID]
}

// Notifications returns a copy of every stored notification.
func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.notifications...)
}

// Transactions returns a copy of the ledger.
func (s *Store) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transaction(nil), s.transactions...)
}

func (s *Store) CreateJob(_ context.Context, job models.StagingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return models.ErrConflict
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) GetJob(_ context.Context, ownerID, id string) (models.StagingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return models.StagingJob{}, models.ErrNotFound
	}
	return job, nil
}

func (s *Store) GetJobByID(_ context.Context, id string) (models.StagingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.StagingJob{}, models.ErrNotFound
	}
	return job, nil
}

func (s *Store) GetJobByExternalID(_ context.Context, provider, externalID string) (models.StagingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Provider == provider && job.ExternalID != nil && *job.ExternalID == externalID {
			return job, nil
		}
	}
	return models.StagingJob{}, models.ErrNotFound
}

func (s *Store) SetExternalID(_ context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		return models.ErrNotFound
	}
	job.ExternalID = &externalID
	s.jobs[id] = job
	return nil
}

func (s *Store) CompleteJob(_ context.Context, id string, c models.Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		return false, nil
	}
	url := c.StagedImageURL
	at := c.CompletedAt
	ms := c.ProcessingMS
	job.Status = models.StatusCompleted
	job.StagedImageURL = &url
	job.CreditsUsed = c.CreditsUsed
	job.CompletedAt = &at
	job.ProcessingMS = &ms
	job.Error = nil
	s.jobs[id] = job
	return true, nil
}

func (s *Store) FailJob(_ context.Context, id string, f models.Failure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		return false, nil
	}
	msg := f.Error
	at := f.CompletedAt
	ms := f.ProcessingMS
	job.Status = models.StatusFailed
	job.Error = &msg
	job.CreditsUsed = 0
	job.CompletedAt = &at
	job.ProcessingMS = &ms
	job.StagedImageURL = nil
	s.jobs[id] = job
	return true, nil
}

func (s *Store) SetCreditsUsed(_ context.Context, id string, credits int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	job.CreditsUsed = credits
	s.jobs[id] = job
	return nil
}

func (s *Store) UpdateMetadata(_ context.Context, ownerID, id string, patch models.MetadataPatch) (models.StagingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return models.StagingJob{}, models.ErrNotFound
	}
	if patch.IsFavorite != nil {
		job.IsFavorite = *patch.IsFavorite
	}
	if patch.PropertyID != nil {
		if *patch.PropertyID == "" {
			job.PropertyID = nil
		} else {
			v := *patch.PropertyID
			job.PropertyID = &v
		}
	}
	s.jobs[id] = job
	return job, nil
}

func (s *Store) ListGroupJobs(_ context.Context, ownerID, groupID string) ([]models.StagingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StagingJob
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && job.VersionGroupID != nil && *job.VersionGroupID == groupID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStaleJobs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []models.StagingJob
	for _, job := range s.jobs {
		if job.Status == models.StatusProcessing && job.CreatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	ids := make([]string, 0, len(stale))
	for i, job := range stale {
		if limit > 0 && i >= limit {
			break
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (s *Store) FindOrCreateGroup(_ context.Context, ownerID, contentHash, originalURL string) (models.VersionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.OwnerID == ownerID && g.ContentHash == contentHash {
			return g, nil
		}
	}
	g := models.VersionGroup{
		ID:               uuid.New().String(),
		OwnerID:          ownerID,
		ContentHash:      contentHash,
		OriginalImageURL: originalURL,
		CreatedAt:        time.Now().UTC(),
	}
	s.groups[g.ID] = g
	return g, nil
}

func (s *Store) GetGroup(_ context.Context, ownerID, id string) (models.VersionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.OwnerID != ownerID {
		return models.VersionGroup{}, models.ErrNotFound
	}
	return g, nil
}

func (s *Store) AttachToGroup(_ context.Context, jobID, groupID string, primary bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.VersionGroupID != nil {
		return nil
	}
	if primary {
		for _, other := range s.jobs {
			if other.IsPrimaryVersion && other.VersionGroupID != nil && *other.VersionGroupID == groupID {
				primary = false
				break
			}
		}
	}
	gid := groupID
	job.VersionGroupID = &gid
	job.IsPrimaryVersion = primary
	s.jobs[jobID] = job
	return nil
}

func (s *Store) ClaimFreeRemix(_ context.Context, groupID string, limit int) (models.VersionGroup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.VersionGroup{}, false, models.ErrNotFound
	}
	if g.FreeRemixesUsed >= limit {
		return g, false, nil
	}
	g.FreeRemixesUsed++
	s.groups[groupID] = g
	return g, true, nil
}

func (s *Store) ReleaseFreeRemix(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if ok && g.FreeRemixesUsed > 0 {
		g.FreeRemixesUsed--
		s.groups[groupID] = g
	}
	return nil
}

func (s *Store) SetPrimary(_ context.Context, groupID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.jobs[jobID]
	if !ok || target.VersionGroupID == nil || *target.VersionGroupID != groupID {
		return models.ErrNotFound
	}
	for id, job := range s.jobs {
		if job.VersionGroupID != nil && *job.VersionGroupID == groupID {
			job.IsPrimaryVersion = id == jobID
			s.jobs[id] = job
		}
	}
	return nil
}

func (s *Store) EnsureAccount(_ context.Context, ownerID string, initial int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[ownerID]; !ok {
		s.balances[ownerID] = initial
	}
	return nil
}

func (s *Store) Check(_ context.Context, ownerID string, amount int) (models.CreditCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balances[ownerID]
	return models.CreditCheck{Available: balance, Sufficient: balance >= amount}, nil
}

func (s *Store) Deduct(_ context.Context, ownerID string, amount int, jobID string) (models.Deduction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balances[ownerID]
	if amount <= 0 || (jobID != "" && s.charged[jobID]) {
		return models.Deduction{PreviousBalance: balance, NewBalance: balance, Success: true}, nil
	}
	if balance < amount {
		return models.Deduction{PreviousBalance: balance, NewBalance: balance}, nil
	}
	s.balances[ownerID] = balance - amount
	if jobID != "" {
		s.charged[jobID] = true
	}
	s.transactions = append(s.transactions, Transaction{OwnerID: ownerID, JobID: jobID, Amount: -amount, BalanceAfter: balance - amount})
	return models.Deduction{PreviousBalance: balance, NewBalance: balance - amount, Success: true}, nil
}

func (s *Store) Notify(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}
