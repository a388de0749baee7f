package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted for a staging job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StagingJob is one request to turn a room photo into a furnished rendering.
type StagingJob struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	PropertyID       *string    `json:"property_id,omitempty"`
	OriginalImageURL string     `json:"original_image_url"`
	RoomType         RoomType   `json:"room_type"`
	Style            Style      `json:"style"`
	Status           JobStatus  `json:"status"`
	Provider         string     `json:"provider"`
	ExternalID       *string    `json:"external_id,omitempty"`
	StagedImageURL   *string    `json:"staged_image_url,omitempty"`
	Error            *string    `json:"error,omitempty"`
	CreditsUsed      int        `json:"credits_used"`
	FreeRemix        bool       `json:"free_remix"`
	IsFavorite       bool       `json:"is_favorite"`
	VersionGroupID   *string    `json:"version_group_id,omitempty"`
	ParentJobID      *string    `json:"parent_job_id,omitempty"`
	IsPrimaryVersion bool       `json:"is_primary_version"`
	ProcessingMS     *int64     `json:"processing_ms,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Completion carries the fields written when a job reaches the completed state.
type Completion struct {
	StagedImageURL string
	CreditsUsed    int
	CompletedAt    time.Time
	ProcessingMS   int64
}

// Failure carries the fields written when a job reaches the failed state.
type Failure struct {
	Error        string
	CompletedAt  time.Time
	ProcessingMS int64
}

// MetadataPatch updates fields that sit outside the job state machine.
type MetadataPatch struct {
	IsFavorite *bool
	PropertyID *string
}

// VersionGroup ties together every job derived from the same original photo.
type VersionGroup struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	ContentHash      string    `json:"content_hash"`
	OriginalImageURL string    `json:"original_image_url"`
	FreeRemixesUsed  int       `json:"free_remixes_used"`
	CreatedAt        time.Time `json:"created_at"`
}

// CreditCheck is the result of a balance lookup against a required amount.
type CreditCheck struct {
	Available  int  `json:"available"`
	Sufficient bool `json:"sufficient"`
}

// Deduction is the result of an atomic conditional credit decrement.
type Deduction struct {
	PreviousBalance int  `json:"previous_balance"`
	NewBalance      int  `json:"new_balance"`
	Success         bool `json:"success"`
}

// Notification is a fire-and-forget message addressed to an owner.
type Notification struct {
	OwnerID string
	Type    string
	Title   string
	Message string
	Link    string
}
