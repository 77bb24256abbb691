// internal/model/models.go
package model

import "time"

// PullRequestState is the lifecycle state of a pull request.
// Transitions are open -> closed or open -> merged; closed and merged are terminal.
type PullRequestState string

const (
	PRStateOpen   PullRequestState = "open"
	PRStateClosed PullRequestState = "closed"
	PRStateMerged PullRequestState = "merged"
)

// ReviewState is the outcome of a single review submission.
type ReviewState string

const (
	ReviewApproved         ReviewState = "approved"
	ReviewChangesRequested ReviewState = "changes_requested"
	ReviewCommented        ReviewState = "commented"
	ReviewDismissed        ReviewState = "dismissed"
)

// Organization is a remote organization mirrored into the local store.
type Organization struct {
	ID             int64     `json:"id"`
	ExternalID     int64     `json:"external_id"`
	Name           string    `json:"name"`
	AvatarURL      string    `json:"avatar_url"`
	InstallationID *int64    `json:"installation_id,omitempty"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`
}

// Repository belongs to an organization. IsTracked governs whether pull
// requests are ingested for it; it is set through the settings surface and
// never written by sync.
type Repository struct {
	ID             int64     `json:"id"`
	ExternalID     int64     `json:"external_id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	FullName       string    `json:"full_name"`
	Private        bool      `json:"private"`
	IsTracked      bool      `json:"is_tracked"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`
}

// PullRequest mirrors a remote pull request. CategoryID, CategoryConfidence,
// ProcessingStatus and ProcessingError are owned by the categorization
// subsystem and are never written by sync.
type PullRequest struct {
	ID                 int64            `json:"id"`
	ExternalID         int64            `json:"external_id"`
	RepositoryID       int64            `json:"repository_id"`
	Number             int              `json:"number"`
	Title              string           `json:"title"`
	AuthorID           *int64           `json:"author_id,omitempty"`
	State              PullRequestState `json:"state"`
	GHCreatedAt        *time.Time       `json:"created_at,omitempty"`
	GHUpdatedAt        *time.Time       `json:"updated_at,omitempty"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
	MergedAt           *time.Time       `json:"merged_at,omitempty"`
	Draft              bool             `json:"draft"`
	Additions          int              `json:"additions"`
	Deletions          int              `json:"deletions"`
	ChangedFiles       int              `json:"changed_files"`
	CategoryID         *int64           `json:"category_id,omitempty"`
	CategoryConfidence *float64         `json:"category_confidence,omitempty"`
	ProcessingStatus   *string          `json:"processing_status,omitempty"`
	ProcessingError    *string          `json:"processing_error,omitempty"`

	// Author carries the remote author payload between the source client and
	// the syncer. It is persisted through the users table, not on this row.
	Author *User `json:"-"`
}

// Review is a single review submission on a pull request. The first review of
// a pull request is the one with the minimum submission timestamp.
type Review struct {
	ID            int64       `json:"id"`
	ExternalID    int64       `json:"external_id"`
	PullRequestID int64       `json:"pull_request_id"`
	ReviewerID    *int64      `json:"reviewer_id,omitempty"`
	State         ReviewState `json:"state"`
	SubmittedAt   *time.Time  `json:"submitted_at,omitempty"`

	// Reviewer carries the remote reviewer payload, like PullRequest.Author.
	Reviewer *User `json:"-"`
}

// Category labels pull requests. Defaults are seeded once with a nil
// OrganizationID and shared across organizations; custom categories are
// organization-scoped and unique per organization, case-insensitively.
type Category struct {
	ID             int64  `json:"id"`
	OrganizationID *int64 `json:"organization_id,omitempty"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Color          string `json:"color"`
	IsDefault      bool   `json:"is_default"`
}

// User shares the remote source's user id space. Authors and reviewers that
// have not been seen before are created as placeholders (id and login only)
// and filled in when richer data arrives.
type User struct {
	ID        int64   `json:"id"`
	Login     string  `json:"login"`
	Name      *string `json:"name,omitempty"`
	Email     *string `json:"email,omitempty"`
	AvatarURL string  `json:"avatar_url"`
}

// SyncMode selects between a full re-walk of remote data and an incremental
// pass that stops paging once an unchanged record is seen.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// SyncStatus is the state of one sync run. Failed is reserved for the fatal
// missing-credential precondition; per-resource failures end the run as
// CompletedWithErrors.
type SyncStatus string

const (
	SyncStatusPending             SyncStatus = "pending"
	SyncStatusRunning             SyncStatus = "running"
	SyncStatusCompleted           SyncStatus = "completed"
	SyncStatusCompletedWithErrors SyncStatus = "completed_with_errors"
	SyncStatusFailed              SyncStatus = "failed"
)

// SyncError records one resource that failed during a run without aborting
// its siblings.
type SyncError struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

// SyncResult is the structured outcome of one sync run.
type SyncResult struct {
	Status       SyncStatus  `json:"status"`
	Synced       []string    `json:"synced"`
	NewCount     int         `json:"new_count"`
	UpdatedCount int         `json:"updated_count"`
	Errors       []SyncError `json:"errors"`
}
