// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "gitpulse/internal/errors"
	"gitpulse/internal/model"
	"gitpulse/internal/store"
)

// Number of repositories to sync in parallel. Pagination within one
// repository stays sequential to keep cursors correct.
const defaultConcurrency = 5

var errMalformedRecord = errors.New("malformed remote record")

// Source is one page-oriented view of the remote API, authenticated for a
// single organization.
type Source interface {
	GetOrganization(ctx context.Context, login string) (*model.Organization, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*model.PullRequest, error)
	ListOrganizationRepositories(ctx context.Context, org string, page int) ([]model.Repository, int, error)
	ListPullRequests(ctx context.Context, owner, repo string, page int) ([]model.PullRequest, int, error)
	ListReviews(ctx context.Context, owner, repo string, number, page int) ([]model.Review, int, error)
}

// SourceFactory resolves an organization's credential into a Source. A
// missing credential is fatal for the whole run.
type SourceFactory interface {
	ForOrganization(org *model.Organization) (Source, error)
}

// SourceFactoryFunc adapts a function to the SourceFactory interface.
type SourceFactoryFunc func(org *model.Organization) (Source, error)

func (f SourceFactoryFunc) ForOrganization(org *model.Organization) (Source, error) {
	return f(org)
}

// Syncer drives full and incremental synchronization runs. Each upsert
// commits independently: a failure deep in a run never discards earlier
// progress, and per-resource failures never abort sibling resources.
type Syncer struct {
	store       store.Store
	sources     SourceFactory
	logger      *slog.Logger
	concurrency int
}

// New creates a Syncer. concurrency bounds how many repositories sync their
// pull requests in parallel; values below 1 fall back to the default.
func New(st store.Store, sources SourceFactory, logger *slog.Logger, concurrency int) *Syncer {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &Syncer{
		store:       st,
		sources:     sources,
		logger:      logger,
		concurrency: concurrency,
	}
}

// runResult accumulates a run's outcome across concurrently-synced
// repositories.
type runResult struct {
	mu     sync.Mutex
	result model.SyncResult
}

func newRunResult() *runResult {
	return &runResult{result: model.SyncResult{
		Status: model.SyncStatusPending,
		Synced: []string{},
		Errors: []model.SyncError{},
	}}
}

// start marks the run Running once its credential has been resolved.
func (r *runResult) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Status = model.SyncStatusRunning
}

func (r *runResult) addOutcome(o store.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch o {
	case store.OutcomeInserted:
		r.result.NewCount++
	case store.OutcomeUpdated:
		r.result.UpdatedCount++
	}
}

func (r *runResult) addError(resource string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Errors = append(r.result.Errors, model.SyncError{Resource: resource, Reason: err.Error()})
}

func (r *runResult) addSynced(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Synced = append(r.result.Synced, name)
}

func (r *runResult) failed() *model.SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.result
	out.Status = model.SyncStatusFailed
	return &out
}

func (r *runResult) finish() *model.SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.result
	if len(out.Errors) > 0 {
		out.Status = model.SyncStatusCompletedWithErrors
	} else {
		out.Status = model.SyncStatusCompleted
	}
	return &out
}

// SyncOrganization refreshes the organization's profile and repository list,
// then syncs pull requests and reviews for its tracked repositories.
func (s *Syncer) SyncOrganization(ctx context.Context, orgID int64, mode model.SyncMode) (*model.SyncResult, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("org", org.Name)
	res := newRunResult()

	src, err := s.sources.ForOrganization(&org)
	if err != nil {
		return res.failed(), err
	}
	res.start()

	if remote, err := src.GetOrganization(ctx, org.Name); err != nil {
		res.addError("organization "+org.Name, err)
	} else if _, outcome, err := s.store.UpsertOrganization(ctx, *remote); err != nil {
		res.addError("organization "+org.Name, err)
	} else {
		res.addOutcome(outcome)
	}

	var repos []model.Repository
	for page := 1; page != 0; {
		remoteRepos, next, err := src.ListOrganizationRepositories(ctx, org.Name, page)
		if err != nil {
			res.addError("organization "+org.Name+" repositories", err)
			break
		}
		for _, repo := range remoteRepos {
			if repo.ExternalID == 0 || repo.FullName == "" {
				res.addError("repository "+repo.FullName,
					apperrors.New(apperrors.KindValidation, "repository", errMalformedRecord))
				continue
			}
			repo.OrganizationID = org.ID
			stored, outcome, err := s.store.UpsertRepository(ctx, repo)
			if err != nil {
				res.addError("repository "+repo.FullName, err)
				continue
			}
			res.addOutcome(outcome)
			repos = append(repos, stored)
		}
		page = next
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, repo := range repos {
		if !repo.IsTracked {
			continue
		}
		repo := repo
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := s.syncRepositoryData(gctx, src, repo, mode, res); err != nil {
				res.addError("repository "+repo.FullName, err)
				return nil
			}
			res.addSynced(repo.FullName)
			return nil
		})
	}
	_ = g.Wait() // each goroutine records its own failures

	result := res.finish()
	logger.Info("Organization sync finished",
		"status", string(result.Status),
		"new", result.NewCount,
		"updated", result.UpdatedCount,
		"errors", len(result.Errors))
	return result, nil
}

// SyncRepository syncs one repository's pull requests and reviews. An
// explicit repository trigger ingests regardless of the tracking flag.
func (s *Syncer) SyncRepository(ctx context.Context, repoID int64, mode model.SyncMode) (*model.SyncResult, error) {
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	org, err := s.store.GetOrganization(ctx, repo.OrganizationID)
	if err != nil {
		return nil, err
	}
	res := newRunResult()

	src, err := s.sources.ForOrganization(&org)
	if err != nil {
		return res.failed(), err
	}
	res.start()

	if err := s.syncRepositoryData(ctx, src, repo, mode, res); err != nil {
		res.addError("repository "+repo.FullName, err)
	} else {
		res.addSynced(repo.FullName)
	}
	return res.finish(), nil
}

// syncRepositoryData pages through a repository's pull requests in the order
// returned by the source (descending update time) and upserts each one plus
// its reviews. In incremental mode the pass stops at the first unchanged
// pull request.
func (s *Syncer) syncRepositoryData(ctx context.Context, src Source, repo model.Repository, mode model.SyncMode, res *runResult) error {
	owner, name, err := splitFullName(repo.FullName)
	if err != nil {
		return err
	}
	logger := s.logger.With("owner", owner, "repo", name)
	logger.Info("Syncing repository pull requests", "mode", string(mode))

	for page := 1; page != 0; {
		prs, next, err := src.ListPullRequests(ctx, owner, name, page)
		if err != nil {
			return err
		}

		for _, pr := range prs {
			resource := fmt.Sprintf("pull request %s#%d", repo.FullName, pr.Number)
			if pr.ExternalID == 0 || pr.Number <= 0 {
				res.addError(resource, apperrors.New(apperrors.KindValidation, "pull request", errMalformedRecord))
				continue
			}
			pr.RepositoryID = repo.ID
			if pr.Author != nil {
				// An unseen author becomes a placeholder user rather than
				// failing the upsert.
				if err := s.store.EnsureUser(ctx, *pr.Author); err != nil {
					res.addError(resource+" author", err)
				} else {
					id := pr.Author.ID
					pr.AuthorID = &id
				}
			}

			stored, outcome, err := s.store.UpsertPullRequest(ctx, pr)
			if err != nil {
				res.addError(resource, err)
				continue
			}
			res.addOutcome(outcome)

			if mode == model.SyncModeIncremental && outcome == store.OutcomeUnchanged {
				logger.Debug("Unchanged pull request, ending incremental pass", "number", pr.Number)
				return nil
			}

			// The list payload carries no diff counters; fetch the detail
			// record for changed pull requests only, so unchanged ones cost
			// nothing extra.
			if outcome != store.OutcomeUnchanged {
				if detail, err := src.GetPullRequest(ctx, owner, name, pr.Number); err != nil {
					res.addError(resource+" details", err)
				} else if err := s.store.SetPullRequestDiffStats(ctx, stored.ID,
					detail.Additions, detail.Deletions, detail.ChangedFiles); err != nil {
					res.addError(resource+" details", err)
				}
			}

			if err := s.syncReviews(ctx, src, owner, name, repo.FullName, pr.Number, stored.ID, res); err != nil {
				res.addError(resource+" reviews", err)
			}
		}
		page = next
	}
	return nil
}

func (s *Syncer) syncReviews(ctx context.Context, src Source, owner, name, fullName string, number int, prID int64, res *runResult) error {
	for page := 1; page != 0; {
		reviews, next, err := src.ListReviews(ctx, owner, name, number, page)
		if err != nil {
			return err
		}

		for _, rv := range reviews {
			resource := fmt.Sprintf("review %d on %s#%d", rv.ExternalID, fullName, number)
			if rv.ExternalID == 0 {
				res.addError(resource, apperrors.New(apperrors.KindValidation, "review", errMalformedRecord))
				continue
			}
			rv.PullRequestID = prID
			if rv.Reviewer != nil {
				if err := s.store.EnsureUser(ctx, *rv.Reviewer); err != nil {
					res.addError(resource+" reviewer", err)
				} else {
					id := rv.Reviewer.ID
					rv.ReviewerID = &id
				}
			}

			_, outcome, err := s.store.UpsertReview(ctx, rv)
			if err != nil {
				res.addError(resource, err)
				continue
			}
			res.addOutcome(outcome)
		}
		page = next
	}
	return nil
}

func splitFullName(fullName string) (owner, name string, err error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository full name: %q, expected 'owner/name'", fullName)
	}
	return parts[0], parts[1], nil
}
