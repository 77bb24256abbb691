// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"gitpulse/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when a create collides with an existing record,
	// e.g. a category name already taken within the organization.
	ErrConflict = errors.New("store: conflicting record exists")
)

// Outcome reports what an upsert did. Re-applying an identical remote
// snapshot yields OutcomeUnchanged, which is what makes sync idempotent and
// lets incremental runs stop paging early.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeInserted
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// PullRequestMetrics is one pull request flattened for aggregation: the
// owning repository, lifecycle timestamps, diff size, category and the
// earliest review submission, all read in a single pass.
type PullRequestMetrics struct {
	RepositoryID  int64
	State         model.PullRequestState
	CreatedAt     *time.Time
	MergedAt      *time.Time
	Additions     int
	Deletions     int
	CategoryID    *int64
	CategoryName  *string
	FirstReviewAt *time.Time
	AuthorID      *int64
	AuthorLogin   *string
}

// ReviewActivity is one review submission attributed to a reviewer.
type ReviewActivity struct {
	ReviewerID    int64
	ReviewerLogin string
	SubmittedAt   time.Time
}

// Store is the single shared mutable resource of the pipeline. The real
// implementation is Postgres; tests substitute mocks. It is constructed once
// at process start and injected.
type Store interface {
	GetOrganization(ctx context.Context, id int64) (model.Organization, error)
	GetOrganizationByExternalID(ctx context.Context, externalID int64) (model.Organization, error)
	UpsertOrganization(ctx context.Context, org model.Organization) (model.Organization, Outcome, error)
	SetOrganizationInstallation(ctx context.Context, orgID int64, installationID *int64) error

	GetRepository(ctx context.Context, id int64) (model.Repository, error)
	ListTrackedRepositories(ctx context.Context, orgID int64) ([]model.Repository, error)
	UpsertRepository(ctx context.Context, repo model.Repository) (model.Repository, Outcome, error)
	SetRepositoryTracking(ctx context.Context, repoID int64, tracked bool) error
	CountTrackedRepositories(ctx context.Context, orgID int64) (int, error)

	UpsertPullRequest(ctx context.Context, pr model.PullRequest) (model.PullRequest, Outcome, error)
	SetPullRequestDiffStats(ctx context.Context, prID int64, additions, deletions, changedFiles int) error
	UpsertReview(ctx context.Context, review model.Review) (model.Review, Outcome, error)
	EnsureUser(ctx context.Context, user model.User) error

	ListCategories(ctx context.Context, orgID int64) ([]model.Category, error)
	CreateCategory(ctx context.Context, category model.Category) (model.Category, error)

	ListPullRequestMetrics(ctx context.Context, orgID int64, repositoryID *int64) ([]PullRequestMetrics, error)
	ListReviewActivity(ctx context.Context, orgID int64, since time.Time) ([]ReviewActivity, error)

	Ping(ctx context.Context) error
}
