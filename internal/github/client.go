// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"

	apperrors "gitpulse/internal/errors"
	"gitpulse/internal/model"
)

const (
	perPage            = 100
	defaultCallTimeout = 30 * time.Second
)

// Client is a wrapper around the go-github client. It owns no local state:
// every method is a read against the remote source that returns one page of
// results, the next page number (0 when exhausted) and a typed error.
type Client struct {
	gh          *github.Client
	logger      *slog.Logger
	callTimeout time.Duration
	retry       retryPolicy
}

// NewClient creates a Client on top of an already-authenticated http.Client.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		gh:          github.NewClient(httpClient),
		logger:      logger,
		callTimeout: defaultCallTimeout,
		retry:       retryPolicy{maxAttempts: defaultMaxAttempts, baseDelay: defaultBaseDelay},
	}
}

// OverrideBaseURL points the client at a different API root, for GitHub
// Enterprise deployments and for tests.
func (c *Client) OverrideBaseURL(rawURL string) error {
	gh, err := c.gh.WithEnterpriseURLs(rawURL, rawURL)
	if err != nil {
		return err
	}
	c.gh = gh
	return nil
}

// GetOrganization fetches one organization's profile.
func (c *Client) GetOrganization(ctx context.Context, login string) (*model.Organization, error) {
	var org *github.Organization
	err := c.withRetry(ctx, "organization "+login, func(tctx context.Context) error {
		var err error
		org, _, err = c.gh.Organizations.Get(tctx, login)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toOrganization(org), nil
}

// ListOrganizationRepositories fetches one page of an organization's
// repositories.
func (c *Client) ListOrganizationRepositories(ctx context.Context, org string, page int) ([]model.Repository, int, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}

	var repos []*github.Repository
	var next int
	err := c.withRetry(ctx, "organization "+org+" repositories", func(tctx context.Context) error {
		var resp *github.Response
		var err error
		repos, resp, err = c.gh.Repositories.ListByOrg(tctx, org, opts)
		if resp != nil {
			next = resp.NextPage
		}
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	out := make([]model.Repository, 0, len(repos))
	for _, r := range repos {
		out = append(out, toRepository(r))
	}
	return out, next, nil
}

// ListPullRequests fetches one page of a repository's pull requests in
// descending update order, so incremental syncs can stop paging early.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string, page int) ([]model.PullRequest, int, error) {
	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}

	var prs []*github.PullRequest
	var next int
	err := c.withRetry(ctx, "repository "+owner+"/"+repo+" pull requests", func(tctx context.Context) error {
		var resp *github.Response
		var err error
		prs, resp, err = c.gh.PullRequests.List(tctx, owner, repo, opts)
		if resp != nil {
			next = resp.NextPage
		}
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	out := make([]model.PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, toPullRequest(pr))
	}
	return out, next, nil
}

// GetPullRequest fetches one pull request's detail record. The list endpoint
// returns a reduced schema without additions, deletions and changed_files;
// only this record carries the diff counters.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*model.PullRequest, error) {
	var pr *github.PullRequest
	resource := fmt.Sprintf("pull request %s/%s#%d", owner, repo, number)
	err := c.withRetry(ctx, resource, func(tctx context.Context) error {
		var err error
		pr, _, err = c.gh.PullRequests.Get(tctx, owner, repo, number)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := toPullRequest(pr)
	return &out, nil
}

// ListReviews fetches one page of a pull request's reviews.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number, page int) ([]model.Review, int, error) {
	opts := &github.ListOptions{Page: page, PerPage: perPage}

	var reviews []*github.PullRequestReview
	var next int
	resource := "repository " + owner + "/" + repo + " reviews"
	err := c.withRetry(ctx, resource, func(tctx context.Context) error {
		var resp *github.Response
		var err error
		reviews, resp, err = c.gh.PullRequests.ListReviews(tctx, owner, repo, number, opts)
		if resp != nil {
			next = resp.NextPage
		}
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	out := make([]model.Review, 0, len(reviews))
	for _, rv := range reviews {
		out = append(out, toReview(rv))
	}
	return out, next, nil
}

// withRetry runs one remote call under the per-call timeout and the bounded
// retry policy. Errors returned to the caller are always typed.
func (c *Client) withRetry(ctx context.Context, resource string, fn func(context.Context) error) error {
	state := c.retry.newState()
	for {
		tctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := fn(tctx)
		cancel()
		if err == nil {
			return nil
		}

		terr := translate(resource, err)
		delay, retry := state.next(terr)
		if !retry {
			return terr
		}
		c.logger.Debug("Retrying remote call", "resource", resource, "attempt", state.attempt, "delay", delay.String())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return translate(resource, ctx.Err())
		}
	}
}

// translate maps go-github and transport failures onto the typed taxonomy.
// Timeouts and anything unrecognized are treated as transient.
func translate(resource string, err error) error {
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		wait := time.Until(rl.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return apperrors.RateLimited(resource, wait, err)
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return apperrors.RateLimited(resource, abuse.GetRetryAfter(), err)
	}

	var ghe *github.ErrorResponse
	if errors.As(err, &ghe) && ghe.Response != nil {
		switch ghe.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperrors.New(apperrors.KindUnauthorized, resource, err)
		case http.StatusNotFound, http.StatusGone:
			return apperrors.New(apperrors.KindNotFound, resource, err)
		case http.StatusUnprocessableEntity:
			return apperrors.New(apperrors.KindValidation, resource, err)
		default:
			return apperrors.New(apperrors.KindTransient, resource, err)
		}
	}

	return apperrors.New(apperrors.KindTransient, resource, err)
}

// toOrganization translates a github.Organization to our internal model.
func toOrganization(o *github.Organization) *model.Organization {
	name := o.GetLogin()
	if name == "" {
		name = o.GetName()
	}
	return &model.Organization{
		ExternalID: o.GetID(),
		Name:       name,
		AvatarURL:  o.GetAvatarURL(),
	}
}

// toRepository translates a github.Repository to our internal model.
// OrganizationID is filled in by the syncer once the owning row is known.
func toRepository(r *github.Repository) model.Repository {
	return model.Repository{
		ExternalID: r.GetID(),
		Name:       r.GetName(),
		FullName:   r.GetFullName(),
		Private:    r.GetPrivate(),
	}
}

// toPullRequest translates a github.PullRequest to our internal model.
// GitHub reports merged pull requests as "closed" with a merge timestamp.
func toPullRequest(pr *github.PullRequest) model.PullRequest {
	state := model.PullRequestState(pr.GetState())
	if state == model.PRStateClosed && pr.MergedAt != nil {
		state = model.PRStateMerged
	}

	return model.PullRequest{
		ExternalID:   pr.GetID(),
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		State:        state,
		GHCreatedAt:  utcTime(pr.CreatedAt),
		GHUpdatedAt:  utcTime(pr.UpdatedAt),
		ClosedAt:     utcTime(pr.ClosedAt),
		MergedAt:     utcTime(pr.MergedAt),
		Draft:        pr.GetDraft(),
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
		ChangedFiles: pr.GetChangedFiles(),
		Author:       toActor(pr.User),
	}
}

// toReview translates a github.PullRequestReview to our internal model.
func toReview(rv *github.PullRequestReview) model.Review {
	return model.Review{
		ExternalID:  rv.GetID(),
		State:       model.ReviewState(strings.ToLower(rv.GetState())),
		SubmittedAt: utcTime(rv.SubmittedAt),
		Reviewer:    toActor(rv.User),
	}
}

func toActor(u *github.User) *model.User {
	if u == nil || u.GetID() == 0 {
		return nil
	}
	return &model.User{
		ID:        u.GetID(),
		Login:     u.GetLogin(),
		AvatarURL: u.GetAvatarURL(),
	}
}

// utcTime normalizes a remote timestamp to UTC, keeping absence explicit.
func utcTime(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.Time.IsZero() {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
