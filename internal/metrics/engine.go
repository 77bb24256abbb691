// internal/metrics/engine.go

// Package metrics derives engineering-performance statistics from the
// normalized store. It never calls the remote source, and aggregations over
// empty data return zero-valued objects rather than errors.
package metrics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"gitpulse/internal/model"
	"gitpulse/internal/store"
)

const (
	DefaultWindowDays      = 30
	DefaultSeriesDays      = 30
	DefaultTopContributors = 10

	// Contribution score weights; authored work counts more than reviews.
	prWeight     = 10.0
	reviewWeight = 3.0

	uncategorizedKey = "Uncategorized"
)

// Summary is the point-in-time metrics object for one organization and one
// trailing window. Percentages carry one decimal place.
type Summary struct {
	TotalPRs             int     `json:"totalPRs"`
	RecentPRs            int     `json:"recentPRs"`
	MergedPRs            int     `json:"mergedPRs"`
	RecentMerged         int     `json:"recentMerged"`
	ThisWeekMerged       int     `json:"thisWeekMerged"`
	LastWeekMerged       int     `json:"lastWeekMerged"`
	WeeklyPRVolumeChange float64 `json:"weeklyPRVolumeChange"`
	AvgCycleTimeHours    float64 `json:"avgCycleTimeHours"`
	AvgReviewTimeHours   float64 `json:"avgReviewTimeHours"`
	AvgPRSize            int     `json:"avgPRSize"`
	CategorizationRate   float64 `json:"categorizationRate"`
	OpenPRCount          int     `json:"openPRCount"`
	TrackedRepositories  int     `json:"trackedRepositories"`
	MergeRate            float64 `json:"mergeRate"`
}

// TimeSeriesPoint is one calendar day of pull-request creation activity,
// bucketed by category key. Days without activity still appear with zero
// counts for every category.
type TimeSeriesPoint struct {
	Date       string         `json:"date"`
	Categories map[string]int `json:"categories"`
	Total      int            `json:"total"`
}

// ContributorStats is one contributor's activity within the window.
type ContributorStats struct {
	UserID             int64   `json:"userId"`
	Login              string  `json:"login"`
	PRsCreated         int     `json:"prsCreated"`
	ReviewsGiven       int     `json:"reviewsGiven"`
	AvgCycleTimeHours  float64 `json:"avgCycleTimeHours"`
	AvgPRSize          float64 `json:"avgPRSize"`
	ReviewThoroughness float64 `json:"reviewThoroughness"`
	ContributionScore  float64 `json:"contributionScore"`
}

// Reader is the slice of the store the engine reads from.
type Reader interface {
	ListPullRequestMetrics(ctx context.Context, orgID int64, repositoryID *int64) ([]store.PullRequestMetrics, error)
	ListReviewActivity(ctx context.Context, orgID int64, since time.Time) ([]store.ReviewActivity, error)
	CountTrackedRepositories(ctx context.Context, orgID int64) (int, error)
}

// Engine computes summaries, time series and contributor leaderboards.
type Engine struct {
	reader Reader
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(reader Reader, logger *slog.Logger) *Engine {
	return &Engine{reader: reader, logger: logger, now: time.Now}
}

// Summary computes all summary fields from a single read pass over the
// organization's pull requests, evaluated against one "now" snapshot so the
// sub-metrics agree on their windows.
func (e *Engine) Summary(ctx context.Context, orgID int64, windowDays int) (*Summary, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	rows, err := e.reader.ListPullRequestMetrics(ctx, orgID, nil)
	if err != nil {
		return nil, err
	}
	tracked, err := e.reader.CountTrackedRepositories(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	windowStart := now.AddDate(0, 0, -windowDays)
	weekStart := now.Add(-7 * 24 * time.Hour)
	twoWeeksStart := now.Add(-14 * 24 * time.Hour)

	s := &Summary{TrackedRepositories: tracked}
	var cycleHours, reviewHours, recentSizes []float64
	var categorizedRecent int

	for _, row := range rows {
		s.TotalPRs++
		if row.State == model.PRStateOpen {
			s.OpenPRCount++
		}

		if row.CreatedAt != nil && inWindow(*row.CreatedAt, windowStart, now) {
			s.RecentPRs++
			recentSizes = append(recentSizes, float64(row.Additions+row.Deletions))
			if row.CategoryID != nil {
				categorizedRecent++
			}
		}

		if row.State != model.PRStateMerged {
			continue
		}
		s.MergedPRs++
		if row.MergedAt == nil {
			continue
		}
		merged := *row.MergedAt

		if inWindow(merged, windowStart, now) {
			s.RecentMerged++
			// Rows missing a creation timestamp stay in the merged counts but
			// are excluded from the duration averages.
			if row.CreatedAt != nil {
				cycleHours = append(cycleHours, merged.Sub(*row.CreatedAt).Hours())
				if row.FirstReviewAt != nil {
					reviewHours = append(reviewHours, row.FirstReviewAt.Sub(*row.CreatedAt).Hours())
				}
			}
		}

		if inWindow(merged, weekStart, now) {
			s.ThisWeekMerged++
		} else if inWindow(merged, twoWeeksStart, weekStart) {
			s.LastWeekMerged++
		}
	}

	if s.LastWeekMerged > 0 {
		s.WeeklyPRVolumeChange = round1(float64(s.ThisWeekMerged-s.LastWeekMerged) / float64(s.LastWeekMerged) * 100)
	}
	s.AvgCycleTimeHours = round1(mean(cycleHours))
	s.AvgReviewTimeHours = round1(mean(reviewHours))
	s.AvgPRSize = int(math.Round(mean(recentSizes)))
	if s.RecentPRs > 0 {
		s.CategorizationRate = round1(float64(categorizedRecent) / float64(s.RecentPRs) * 100)
		s.MergeRate = round1(float64(s.RecentMerged) / float64(s.RecentPRs) * 100)
	}
	return s, nil
}

// TimeSeries produces exactly `days` contiguous daily points ending today,
// bucketing pull requests by creation day and category. Category display
// names collapse to a stable key so variable spacing cannot split a series.
func (e *Engine) TimeSeries(ctx context.Context, orgID int64, days int, repositoryID *int64) ([]TimeSeriesPoint, error) {
	if days <= 0 {
		days = DefaultSeriesDays
	}

	rows, err := e.reader.ListPullRequestMetrics(ctx, orgID, repositoryID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	start := truncateDay(now).AddDate(0, 0, -(days - 1))

	counts := make([]map[string]int, days)
	keys := map[string]struct{}{uncategorizedKey: {}}

	for _, row := range rows {
		if row.CreatedAt == nil {
			continue
		}
		day := truncateDay(row.CreatedAt.UTC())
		idx := int(day.Sub(start).Hours() / 24)
		if idx < 0 || idx >= days {
			continue
		}
		key := categoryKey(row.CategoryName)
		keys[key] = struct{}{}
		if counts[idx] == nil {
			counts[idx] = map[string]int{}
		}
		counts[idx][key]++
	}

	points := make([]TimeSeriesPoint, days)
	for i := range points {
		buckets := make(map[string]int, len(keys))
		for key := range keys {
			buckets[key] = 0
		}
		total := 0
		for key, n := range counts[i] {
			buckets[key] = n
			total += n
		}
		points[i] = TimeSeriesPoint{
			Date:       start.AddDate(0, 0, i).Format("2006-01-02"),
			Categories: buckets,
			Total:      total,
		}
	}
	return points, nil
}

// TopContributors ranks contributors active in the window by contribution
// score. Review thoroughness (reviews given per PR created) is a lightweight
// collaboration signal, not a quality measure.
func (e *Engine) TopContributors(ctx context.Context, orgID int64, windowDays, limit int) ([]ContributorStats, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if limit <= 0 {
		limit = DefaultTopContributors
	}

	now := e.now().UTC()
	windowStart := now.AddDate(0, 0, -windowDays)

	rows, err := e.reader.ListPullRequestMetrics(ctx, orgID, nil)
	if err != nil {
		return nil, err
	}
	activity, err := e.reader.ListReviewActivity(ctx, orgID, windowStart)
	if err != nil {
		return nil, err
	}

	type acc struct {
		stats  ContributorStats
		cycles []float64
		sizes  []float64
	}
	byUser := map[int64]*acc{}
	get := func(id int64, login string) *acc {
		a, ok := byUser[id]
		if !ok {
			a = &acc{stats: ContributorStats{UserID: id}}
			byUser[id] = a
		}
		if a.stats.Login == "" {
			a.stats.Login = login
		}
		return a
	}

	for _, row := range rows {
		if row.AuthorID == nil || row.CreatedAt == nil || !inWindow(*row.CreatedAt, windowStart, now) {
			continue
		}
		var login string
		if row.AuthorLogin != nil {
			login = *row.AuthorLogin
		}
		a := get(*row.AuthorID, login)
		a.stats.PRsCreated++
		a.sizes = append(a.sizes, float64(row.Additions+row.Deletions))
		if row.State == model.PRStateMerged && row.MergedAt != nil {
			a.cycles = append(a.cycles, row.MergedAt.Sub(*row.CreatedAt).Hours())
		}
	}
	for _, act := range activity {
		get(act.ReviewerID, act.ReviewerLogin).stats.ReviewsGiven++
	}

	out := make([]ContributorStats, 0, len(byUser))
	for _, a := range byUser {
		cs := a.stats
		cs.AvgCycleTimeHours = round1(mean(a.cycles))
		cs.AvgPRSize = round1(mean(a.sizes))
		if cs.PRsCreated > 0 {
			cs.ReviewThoroughness = round1(float64(cs.ReviewsGiven) / float64(cs.PRsCreated) * 100)
		}
		cs.ContributionScore = float64(cs.PRsCreated)*prWeight + float64(cs.ReviewsGiven)*reviewWeight
		out = append(out, cs)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ContributionScore != out[j].ContributionScore {
			return out[i].ContributionScore > out[j].ContributionScore
		}
		if out[i].PRsCreated != out[j].PRsCreated {
			return out[i].PRsCreated > out[j].PRsCreated
		}
		return out[i].Login < out[j].Login
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// inWindow reports whether t falls in [start, end).
func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func categoryKey(name *string) string {
	if name == nil {
		return uncategorizedKey
	}
	key := strings.Join(strings.Fields(*name), " ")
	if key == "" {
		return uncategorizedKey
	}
	return key
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
