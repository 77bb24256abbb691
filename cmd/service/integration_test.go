//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"gitpulse/internal/github"
	"gitpulse/internal/metrics"
	"gitpulse/internal/model"
	"gitpulse/internal/store"
	"gitpulse/internal/syncer"
)

func setupTestDatabase(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(dbpool.Close)

	return dbpool
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func timePtr(t time.Time) *time.Time { return &t }

func TestStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool := setupTestDatabase(ctx, t)
	db := store.NewPostgres(dbpool)

	org, outcome, err := db.UpsertOrganization(ctx, model.Organization{ExternalID: 10, Name: "acme"})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeInserted, outcome)

	repo, outcome, err := db.UpsertRepository(ctx, model.Repository{
		ExternalID: 101, OrganizationID: org.ID, Name: "alpha", FullName: "acme/alpha",
	})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeInserted, outcome)

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("pull request upsert is idempotent", func(t *testing.T) {
		pr := model.PullRequest{
			ExternalID: 200, RepositoryID: repo.ID, Number: 7, Title: "Add parser",
			State: model.PRStateOpen, GHCreatedAt: timePtr(created), Additions: 10, Deletions: 2,
		}

		_, outcome, err := db.UpsertPullRequest(ctx, pr)
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeInserted, outcome)

		_, outcome, err = db.UpsertPullRequest(ctx, pr)
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeUnchanged, outcome, "identical snapshot is a no-op")

		pr.Title = "Add parser (rebased)"
		stored, outcome, err := db.UpsertPullRequest(ctx, pr)
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeUpdated, outcome)
		assert.Equal(t, "Add parser (rebased)", stored.Title)
	})

	t.Run("sync never overwrites collaborator-owned fields", func(t *testing.T) {
		categories, err := db.ListCategories(ctx, org.ID)
		require.NoError(t, err)
		require.NotEmpty(t, categories, "default categories are seeded by migration")
		catID := categories[0].ID

		_, err = dbpool.Exec(ctx,
			`UPDATE pull_requests SET category_id = $1, category_confidence = 0.9 WHERE external_id = 200`, catID)
		require.NoError(t, err)

		stored, outcome, err := db.UpsertPullRequest(ctx, model.PullRequest{
			ExternalID: 200, RepositoryID: repo.ID, Number: 7, Title: "Add parser (merged)",
			State: model.PRStateMerged, GHCreatedAt: timePtr(created),
			MergedAt: timePtr(created.Add(5 * time.Hour)), Additions: 10, Deletions: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeUpdated, outcome)
		require.NotNil(t, stored.CategoryID)
		assert.Equal(t, catID, *stored.CategoryID, "category assignment survives a sync update")
		require.NotNil(t, stored.CategoryConfidence)
		assert.InDelta(t, 0.9, *stored.CategoryConfidence, 0.001)
	})

	t.Run("duplicate repository number resolves to the existing row", func(t *testing.T) {
		stored, outcome, err := db.UpsertPullRequest(ctx, model.PullRequest{
			ExternalID: 999, RepositoryID: repo.ID, Number: 7, Title: "Renumbered duplicate",
			State: model.PRStateOpen, GHCreatedAt: timePtr(created),
		})
		require.NoError(t, err, "unique (repository_id, number) violation is benign")
		assert.Equal(t, store.OutcomeUnchanged, outcome)
		assert.Equal(t, int64(200), stored.ExternalID)
	})

	t.Run("diff counters survive a counter-less list refresh", func(t *testing.T) {
		var prID int64
		require.NoError(t, dbpool.QueryRow(ctx,
			`SELECT id FROM pull_requests WHERE external_id = 200`).Scan(&prID))
		require.NoError(t, db.SetPullRequestDiffStats(ctx, prID, 80, 20, 3))

		// Re-apply the list-shaped snapshot, which never carries counters.
		stored, outcome, err := db.UpsertPullRequest(ctx, model.PullRequest{
			ExternalID: 200, RepositoryID: repo.ID, Number: 7, Title: "Add parser (merged)",
			State: model.PRStateMerged, GHCreatedAt: timePtr(created),
			MergedAt: timePtr(created.Add(5 * time.Hour)),
		})
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeUnchanged, outcome, "zeroed counters do not dirty the row")
		assert.Equal(t, 80, stored.Additions)
		assert.Equal(t, 20, stored.Deletions)
		assert.Equal(t, 3, stored.ChangedFiles)
	})

	t.Run("tracking flag survives repository refresh", func(t *testing.T) {
		require.NoError(t, db.SetRepositoryTracking(ctx, repo.ID, true))

		stored, outcome, err := db.UpsertRepository(ctx, model.Repository{
			ExternalID: 101, OrganizationID: org.ID, Name: "alpha", FullName: "acme/alpha", Private: true,
		})
		require.NoError(t, err)
		assert.Equal(t, store.OutcomeUpdated, outcome)
		assert.True(t, stored.IsTracked)

		n, err := db.CountTrackedRepositories(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("users fill in but never blank out", func(t *testing.T) {
		name := "The Octocat"
		require.NoError(t, db.EnsureUser(ctx, model.User{ID: 42, Login: "octocat", Name: &name}))
		require.NoError(t, db.EnsureUser(ctx, model.User{ID: 42, Login: ""}))

		var login string
		var storedName *string
		err := dbpool.QueryRow(ctx, `SELECT login, name FROM users WHERE id = 42`).Scan(&login, &storedName)
		require.NoError(t, err)
		assert.Equal(t, "octocat", login)
		require.NotNil(t, storedName)
		assert.Equal(t, "The Octocat", *storedName)
	})

	t.Run("category names collide case-insensitively", func(t *testing.T) {
		_, err := db.CreateCategory(ctx, model.Category{OrganizationID: &org.ID, Name: "Infra"})
		require.NoError(t, err)

		_, err = db.CreateCategory(ctx, model.Category{OrganizationID: &org.ID, Name: "infra"})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("metrics read includes the earliest review", func(t *testing.T) {
		require.NoError(t, db.EnsureUser(ctx, model.User{ID: 43, Login: "rev"}))

		var prID int64
		require.NoError(t, dbpool.QueryRow(ctx,
			`SELECT id FROM pull_requests WHERE external_id = 200`).Scan(&prID))

		reviewerID := int64(43)
		for i, at := range []time.Time{created.Add(3 * time.Hour), created.Add(2 * time.Hour)} {
			_, _, err := db.UpsertReview(ctx, model.Review{
				ExternalID: int64(900 + i), PullRequestID: prID, ReviewerID: &reviewerID,
				State: model.ReviewApproved, SubmittedAt: timePtr(at),
			})
			require.NoError(t, err)
		}

		rows, err := db.ListPullRequestMetrics(ctx, org.ID, nil)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.NotNil(t, rows[0].FirstReviewAt)
		assert.Equal(t, created.Add(2*time.Hour), rows[0].FirstReviewAt.UTC())

		activity, err := db.ListReviewActivity(ctx, org.ID, created)
		require.NoError(t, err)
		assert.Len(t, activity, 2)
		assert.Equal(t, "rev", activity[0].ReviewerLogin)
	})

	t.Run("untracked repositories still feed metrics", func(t *testing.T) {
		beta, _, err := db.UpsertRepository(ctx, model.Repository{
			ExternalID: 102, OrganizationID: org.ID, Name: "beta", FullName: "acme/beta",
		})
		require.NoError(t, err)

		_, _, err = db.UpsertPullRequest(ctx, model.PullRequest{
			ExternalID: 300, RepositoryID: beta.ID, Number: 1, Title: "Quiet work",
			State: model.PRStateOpen, GHCreatedAt: timePtr(created),
		})
		require.NoError(t, err)

		rows, err := db.ListPullRequestMetrics(ctx, org.ID, nil)
		require.NoError(t, err)
		assert.Len(t, rows, 2, "tracking does not gate metrics")

		n, err := db.CountTrackedRepositories(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only alpha is tracked")
	})
}

func TestSyncPipeline_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool := setupTestDatabase(ctx, t)
	db := store.NewPostgres(dbpool)
	logger := testLogger()

	// Mock remote API. The enterprise base URL puts everything under /api/v3/.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/orgs/acme":
			fmt.Fprintln(w, `{"id": 10, "login": "acme"}`)
		case "/api/v3/orgs/acme/repos":
			fmt.Fprintln(w, `[{"id": 101, "name": "alpha", "full_name": "acme/alpha"}]`)
		// The list payload uses the reduced schema without diff counters;
		// only the detail record carries them.
		case "/api/v3/repos/acme/alpha/pulls":
			fmt.Fprintln(w, `[
				{"id": 200, "number": 7, "title": "Add parser", "state": "closed",
				 "created_at": "2024-03-01T10:00:00Z", "merged_at": "2024-03-01T15:00:00Z",
				 "user": {"id": 42, "login": "octocat"}}
			]`)
		case "/api/v3/repos/acme/alpha/pulls/7":
			fmt.Fprintln(w, `{"id": 200, "number": 7, "title": "Add parser", "state": "closed",
				"created_at": "2024-03-01T10:00:00Z", "merged_at": "2024-03-01T15:00:00Z",
				"additions": 80, "deletions": 20, "changed_files": 3,
				"user": {"id": 42, "login": "octocat"}}`)
		case "/api/v3/repos/acme/alpha/pulls/7/reviews":
			fmt.Fprintln(w, `[
				{"id": 900, "state": "APPROVED", "submitted_at": "2024-03-01T12:00:00Z",
				 "user": {"id": 43, "login": "rev"}}
			]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client := github.NewClient(server.Client(), logger)
	require.NoError(t, client.OverrideBaseURL(server.URL))

	org, _, err := db.UpsertOrganization(ctx, model.Organization{ExternalID: 10, Name: "acme"})
	require.NoError(t, err)

	// Pre-register the repository as tracked; the sync's own upsert must not
	// flip the flag back.
	repo, _, err := db.UpsertRepository(ctx, model.Repository{
		ExternalID: 101, OrganizationID: org.ID, Name: "alpha", FullName: "acme/alpha",
	})
	require.NoError(t, err)
	require.NoError(t, db.SetRepositoryTracking(ctx, repo.ID, true))

	appSyncer := syncer.New(db, syncer.SourceFactoryFunc(func(org *model.Organization) (syncer.Source, error) {
		return client, nil
	}), logger, 2)

	result, err := appSyncer.SyncOrganization(ctx, org.ID, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCompleted, result.Status)
	assert.Equal(t, []string{"acme/alpha"}, result.Synced)
	assert.Equal(t, 2, result.NewCount, "one pull request and one review")
	assert.Empty(t, result.Errors)

	// A second identical run changes nothing.
	result, err = appSyncer.SyncOrganization(ctx, org.ID, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCompleted, result.Status)
	assert.Zero(t, result.NewCount)
	assert.Zero(t, result.UpdatedCount)

	// The ingested data is visible to the metrics engine.
	engine := metrics.NewEngine(db, logger)
	summary, err := engine.Summary(ctx, org.ID, 36500)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalPRs)
	assert.Equal(t, 1, summary.MergedPRs)
	assert.Equal(t, 5.0, summary.AvgCycleTimeHours)
	assert.Equal(t, 2.0, summary.AvgReviewTimeHours)
	assert.Equal(t, 100, summary.AvgPRSize, "diff counters come from the detail record")
	assert.Equal(t, 1, summary.TrackedRepositories)
}
