// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gitpulse/internal/model"
)

const uniqueViolation = "23505"

// Postgres is the pgx-backed Store. Every upsert commits independently so a
// failure deep in a sync run does not discard earlier progress.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const organizationColumns = `id, external_id, name, avatar_url, installation_id, created_at, updated_at`

func scanOrganization(row pgx.Row) (model.Organization, error) {
	var o model.Organization
	err := row.Scan(&o.ID, &o.ExternalID, &o.Name, &o.AvatarURL, &o.InstallationID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Organization{}, ErrNotFound
	}
	return o, err
}

func (p *Postgres) GetOrganization(ctx context.Context, id int64) (model.Organization, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

func (p *Postgres) GetOrganizationByExternalID(ctx context.Context, externalID int64) (model.Organization, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE external_id = $1`, externalID)
	return scanOrganization(row)
}

// UpsertOrganization inserts or refreshes an organization keyed by its
// external id. The installation handle is owned by the authorization flow and
// is never touched here.
func (p *Postgres) UpsertOrganization(ctx context.Context, org model.Organization) (model.Organization, Outcome, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO organizations (external_id, name, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = now()
		WHERE (organizations.name, organizations.avatar_url)
			IS DISTINCT FROM (EXCLUDED.name, EXCLUDED.avatar_url)
		RETURNING `+organizationColumns+`, (xmax = 0)`,
		org.ExternalID, org.Name, org.AvatarURL)

	var out model.Organization
	var inserted bool
	err := row.Scan(&out.ID, &out.ExternalID, &out.Name, &out.AvatarURL, &out.InstallationID,
		&out.CreatedAt, &out.UpdatedAt, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := p.GetOrganizationByExternalID(ctx, org.ExternalID)
		return existing, OutcomeUnchanged, err
	}
	if err != nil {
		return model.Organization{}, OutcomeUnchanged, err
	}
	if inserted {
		return out, OutcomeInserted, nil
	}
	return out, OutcomeUpdated, nil
}

func (p *Postgres) SetOrganizationInstallation(ctx context.Context, orgID int64, installationID *int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE organizations SET installation_id = $2, updated_at = now() WHERE id = $1`,
		orgID, installationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const repositoryColumns = `id, external_id, organization_id, name, full_name, private, is_tracked, created_at, updated_at`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	err := row.Scan(&r.ID, &r.ExternalID, &r.OrganizationID, &r.Name, &r.FullName,
		&r.Private, &r.IsTracked, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Repository{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) GetRepository(ctx context.Context, id int64) (model.Repository, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id)
	return scanRepository(row)
}

func (p *Postgres) getRepositoryByExternalID(ctx context.Context, externalID int64) (model.Repository, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE external_id = $1`, externalID)
	return scanRepository(row)
}

func (p *Postgres) ListTrackedRepositories(ctx context.Context, orgID int64) ([]model.Repository, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE organization_id = $1 AND is_tracked ORDER BY full_name`,
		orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// UpsertRepository inserts or refreshes a repository keyed by its external
// id. The is_tracked flag is owned by the settings surface and is never in
// the update column list.
func (p *Postgres) UpsertRepository(ctx context.Context, repo model.Repository) (model.Repository, Outcome, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO repositories (external_id, organization_id, name, full_name, private)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			full_name = EXCLUDED.full_name,
			private = EXCLUDED.private,
			updated_at = now()
		WHERE (repositories.organization_id, repositories.name, repositories.full_name, repositories.private)
			IS DISTINCT FROM (EXCLUDED.organization_id, EXCLUDED.name, EXCLUDED.full_name, EXCLUDED.private)
		RETURNING `+repositoryColumns+`, (xmax = 0)`,
		repo.ExternalID, repo.OrganizationID, repo.Name, repo.FullName, repo.Private)

	var out model.Repository
	var inserted bool
	err := row.Scan(&out.ID, &out.ExternalID, &out.OrganizationID, &out.Name, &out.FullName,
		&out.Private, &out.IsTracked, &out.CreatedAt, &out.UpdatedAt, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := p.getRepositoryByExternalID(ctx, repo.ExternalID)
		return existing, OutcomeUnchanged, err
	}
	if err != nil {
		return model.Repository{}, OutcomeUnchanged, err
	}
	if inserted {
		return out, OutcomeInserted, nil
	}
	return out, OutcomeUpdated, nil
}

func (p *Postgres) SetRepositoryTracking(ctx context.Context, repoID int64, tracked bool) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE repositories SET is_tracked = $2, updated_at = now() WHERE id = $1`,
		repoID, tracked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CountTrackedRepositories(ctx context.Context, orgID int64) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM repositories WHERE organization_id = $1 AND is_tracked`, orgID).Scan(&n)
	return n, err
}

const pullRequestColumns = `id, external_id, repository_id, number, title, author_id, state,
	gh_created_at, gh_updated_at, closed_at, merged_at, draft, additions, deletions, changed_files,
	category_id, category_confidence, processing_status, processing_error`

func scanPullRequest(row pgx.Row) (model.PullRequest, error) {
	var pr model.PullRequest
	err := row.Scan(&pr.ID, &pr.ExternalID, &pr.RepositoryID, &pr.Number, &pr.Title, &pr.AuthorID, &pr.State,
		&pr.GHCreatedAt, &pr.GHUpdatedAt, &pr.ClosedAt, &pr.MergedAt, &pr.Draft,
		&pr.Additions, &pr.Deletions, &pr.ChangedFiles,
		&pr.CategoryID, &pr.CategoryConfidence, &pr.ProcessingStatus, &pr.ProcessingError)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PullRequest{}, ErrNotFound
	}
	return pr, err
}

// UpsertPullRequest inserts or refreshes a pull request keyed by its external
// id. Only sync-owned columns are updated: category assignment, confidence and
// processing status belong to the categorization subsystem and are preserved
// verbatim. The diff counters are also left alone: the list payload never
// carries them, so they are written through SetPullRequestDiffStats from the
// detail record instead. A duplicate (repository_id, number) from a concurrent
// run is a benign race resolved by re-reading the existing row.
func (p *Postgres) UpsertPullRequest(ctx context.Context, pr model.PullRequest) (model.PullRequest, Outcome, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO pull_requests (external_id, repository_id, number, title, author_id, state,
			gh_created_at, gh_updated_at, closed_at, merged_at, draft, additions, deletions, changed_files)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_id) DO UPDATE SET
			repository_id = EXCLUDED.repository_id,
			number = EXCLUDED.number,
			title = EXCLUDED.title,
			author_id = EXCLUDED.author_id,
			state = EXCLUDED.state,
			gh_created_at = EXCLUDED.gh_created_at,
			gh_updated_at = EXCLUDED.gh_updated_at,
			closed_at = EXCLUDED.closed_at,
			merged_at = EXCLUDED.merged_at,
			draft = EXCLUDED.draft
		WHERE (pull_requests.title, pull_requests.author_id, pull_requests.state,
			pull_requests.gh_updated_at, pull_requests.closed_at, pull_requests.merged_at,
			pull_requests.draft)
			IS DISTINCT FROM
			(EXCLUDED.title, EXCLUDED.author_id, EXCLUDED.state,
			EXCLUDED.gh_updated_at, EXCLUDED.closed_at, EXCLUDED.merged_at,
			EXCLUDED.draft)
		RETURNING `+pullRequestColumns+`, (xmax = 0)`,
		pr.ExternalID, pr.RepositoryID, pr.Number, pr.Title, pr.AuthorID, pr.State,
		pr.GHCreatedAt, pr.GHUpdatedAt, pr.ClosedAt, pr.MergedAt, pr.Draft,
		pr.Additions, pr.Deletions, pr.ChangedFiles)

	var out model.PullRequest
	var inserted bool
	err := row.Scan(&out.ID, &out.ExternalID, &out.RepositoryID, &out.Number, &out.Title, &out.AuthorID, &out.State,
		&out.GHCreatedAt, &out.GHUpdatedAt, &out.ClosedAt, &out.MergedAt, &out.Draft,
		&out.Additions, &out.Deletions, &out.ChangedFiles,
		&out.CategoryID, &out.CategoryConfidence, &out.ProcessingStatus, &out.ProcessingError, &inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := p.getPullRequestByExternalID(ctx, pr.ExternalID)
		return existing, OutcomeUnchanged, err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, rerr := p.getPullRequestByRepoNumber(ctx, pr.RepositoryID, pr.Number)
		if rerr != nil {
			return model.PullRequest{}, OutcomeUnchanged, fmt.Errorf("resolve duplicate pull request #%d: %w", pr.Number, rerr)
		}
		return existing, OutcomeUnchanged, nil
	}
	if err != nil {
		return model.PullRequest{}, OutcomeUnchanged, err
	}
	if inserted {
		return out, OutcomeInserted, nil
	}
	return out, OutcomeUpdated, nil
}

// SetPullRequestDiffStats writes the diff counters read from a pull request's
// detail record.
func (p *Postgres) SetPullRequestDiffStats(ctx context.Context, prID int64, additions, deletions, changedFiles int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE pull_requests SET additions = $2, deletions = $3, changed_files = $4 WHERE id = $1`,
		prID, additions, deletions, changedFiles)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) getPullRequestByExternalID(ctx context.Context, externalID int64) (model.PullRequest, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pullRequestColumns+` FROM pull_requests WHERE external_id = $1`, externalID)
	return scanPullRequest(row)
}

func (p *Postgres) getPullRequestByRepoNumber(ctx context.Context, repoID int64, number int) (model.PullRequest, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests WHERE repository_id = $1 AND number = $2`,
		repoID, number)
	return scanPullRequest(row)
}

const reviewColumns = `id, external_id, pull_request_id, reviewer_id, state, submitted_at`

func scanReview(row pgx.Row) (model.Review, error) {
	var rv model.Review
	err := row.Scan(&rv.ID, &rv.ExternalID, &rv.PullRequestID, &rv.ReviewerID, &rv.State, &rv.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Review{}, ErrNotFound
	}
	return rv, err
}

// UpsertReview inserts or refreshes a review keyed by its external id.
func (p *Postgres) UpsertReview(ctx context.Context, review model.Review) (model.Review, Outcome, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO reviews (external_id, pull_request_id, reviewer_id, state, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO UPDATE SET
			pull_request_id = EXCLUDED.pull_request_id,
			reviewer_id = EXCLUDED.reviewer_id,
			state = EXCLUDED.state,
			submitted_at = EXCLUDED.submitted_at
		WHERE (reviews.pull_request_id, reviews.reviewer_id, reviews.state, reviews.submitted_at)
			IS DISTINCT FROM (EXCLUDED.pull_request_id, EXCLUDED.reviewer_id, EXCLUDED.state, EXCLUDED.submitted_at)
		RETURNING `+reviewColumns+`, (xmax = 0)`,
		review.ExternalID, review.PullRequestID, review.ReviewerID, review.State, review.SubmittedAt)

	var out model.Review
	var inserted bool
	err := row.Scan(&out.ID, &out.ExternalID, &out.PullRequestID, &out.ReviewerID, &out.State, &out.SubmittedAt, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		row := p.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE external_id = $1`, review.ExternalID)
		existing, err := scanReview(row)
		return existing, OutcomeUnchanged, err
	}
	if err != nil {
		return model.Review{}, OutcomeUnchanged, err
	}
	if inserted {
		return out, OutcomeInserted, nil
	}
	return out, OutcomeUpdated, nil
}

// EnsureUser creates a placeholder user on first sight of an author or
// reviewer. Later upserts only fill fields in, never blank them out.
func (p *Postgres) EnsureUser(ctx context.Context, user model.User) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (id, login, name, email, avatar_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			login = COALESCE(NULLIF(EXCLUDED.login, ''), users.login),
			name = COALESCE(EXCLUDED.name, users.name),
			email = COALESCE(EXCLUDED.email, users.email),
			avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), users.avatar_url)`,
		user.ID, user.Login, user.Name, user.Email, user.AvatarURL)
	return err
}

func (p *Postgres) ListCategories(ctx context.Context, orgID int64) ([]model.Category, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, organization_id, name, description, color, is_default
		FROM categories
		WHERE is_default OR organization_id = $1
		ORDER BY is_default DESC, name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Description, &c.Color, &c.IsDefault); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// CreateCategory adds a custom organization-scoped category. Names collide
// case-insensitively within an organization.
func (p *Postgres) CreateCategory(ctx context.Context, category model.Category) (model.Category, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO categories (organization_id, name, description, color, is_default)
		VALUES ($1, $2, $3, $4, false)
		RETURNING id, organization_id, name, description, color, is_default`,
		category.OrganizationID, category.Name, category.Description, category.Color)

	var out model.Category
	err := row.Scan(&out.ID, &out.OrganizationID, &out.Name, &out.Description, &out.Color, &out.IsDefault)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.Category{}, ErrConflict
	}
	if err != nil {
		return model.Category{}, err
	}
	return out, nil
}

// ListPullRequestMetrics reads every pull request of the organization's
// repositories in one pass, with the earliest review submission attached.
// Tracking does not gate metrics; all repositories count.
func (p *Postgres) ListPullRequestMetrics(ctx context.Context, orgID int64, repositoryID *int64) ([]PullRequestMetrics, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT pr.repository_id, pr.state, pr.gh_created_at, pr.merged_at,
			pr.additions, pr.deletions, pr.category_id, c.name,
			fr.first_review_at, pr.author_id, u.login
		FROM pull_requests pr
		JOIN repositories r ON r.id = pr.repository_id
		LEFT JOIN categories c ON c.id = pr.category_id
		LEFT JOIN users u ON u.id = pr.author_id
		LEFT JOIN LATERAL (
			SELECT min(rv.submitted_at) AS first_review_at
			FROM reviews rv
			WHERE rv.pull_request_id = pr.id
		) fr ON true
		WHERE r.organization_id = $1
			AND ($2::bigint IS NULL OR pr.repository_id = $2)`,
		orgID, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PullRequestMetrics
	for rows.Next() {
		var m PullRequestMetrics
		if err := rows.Scan(&m.RepositoryID, &m.State, &m.CreatedAt, &m.MergedAt,
			&m.Additions, &m.Deletions, &m.CategoryID, &m.CategoryName,
			&m.FirstReviewAt, &m.AuthorID, &m.AuthorLogin); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListReviewActivity reads review submissions for the organization since the
// given time, attributed to their reviewers.
func (p *Postgres) ListReviewActivity(ctx context.Context, orgID int64, since time.Time) ([]ReviewActivity, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT rv.reviewer_id, COALESCE(u.login, ''), rv.submitted_at
		FROM reviews rv
		JOIN pull_requests pr ON pr.id = rv.pull_request_id
		JOIN repositories r ON r.id = pr.repository_id
		LEFT JOIN users u ON u.id = rv.reviewer_id
		WHERE r.organization_id = $1
			AND rv.reviewer_id IS NOT NULL
			AND rv.submitted_at IS NOT NULL
			AND rv.submitted_at >= $2`,
		orgID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewActivity
	for rows.Next() {
		var a ReviewActivity
		if err := rows.Scan(&a.ReviewerID, &a.ReviewerLogin, &a.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
