// Package query serves read-only views over the reconciled result store.
package query

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
	"sentiment-dispatcher/internal/store"
)

// Reconciler settles pending records before they are shown.
type Reconciler interface {
	Reconcile(ctx context.Context, records []models.Record) []models.Record
}

// SentimentBreakdown is one (sentiment, count, mean confidence) entry of a movie summary.
type SentimentBreakdown struct {
	Sentiment     string  `json:"sentiment"`
	Count         int64   `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// MovieSummary is the second aggregation stage: one entry per movie.
type MovieSummary struct {
	Movie        string               `json:"movie"`
	Sentiments   []SentimentBreakdown `json:"sentiments"`
	TotalReviews int64                `json:"total_reviews"`
}

type Service struct {
	store      store.Store
	reconciler Reconciler
	logger     *slog.Logger
}

func NewService(st store.Store, r Reconciler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, reconciler: r, logger: logger}
}

// Results returns every record after reconciling the pending ones.
func (s *Service) Results(ctx context.Context) ([]models.Record, error) {
	return s.Search(ctx, "", "")
}

// Search matches label as a case-insensitive substring and sentiment exactly.
// Pending records are reconciled first; with a sentiment filter only succeeded
// records carrying that sentiment remain.
func (s *Service) Search(ctx context.Context, label, sentiment string) ([]models.Record, error) {
	label = strings.TrimSpace(label)
	sentiment = strings.ToLower(strings.TrimSpace(sentiment))
	if sentiment != "" && !models.ValidSentiment(sentiment) {
		return nil, apperr.Validation("Sentiment must be either 'positive' or 'negative'")
	}
	recs, err := s.store.ListRecords(ctx, store.Filter{Label: label, Sentiment: sentiment, IncludePending: sentiment != ""})
	if err != nil {
		return nil, storeErr("search results", err)
	}
	recs = s.reconcile(ctx, recs)
	if sentiment == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Status == models.StatusSucceeded && r.Sentiment == sentiment {
			out = append(out, r)
		}
	}
	return out, nil
}

// UniqueLabels lists the sorted distinct movie names of terminal records.
func (s *Service) UniqueLabels(ctx context.Context) ([]string, error) {
	if err := s.settlePending(ctx); err != nil {
		return nil, err
	}
	labels, err := s.store.DistinctLabels(ctx)
	if err != nil {
		return nil, storeErr("list movies", err)
	}
	sort.Strings(labels)
	return labels, nil
}

// Summary groups succeeded records by movie and sentiment, then folds the
// groups into one entry per movie sorted by name.
func (s *Service) Summary(ctx context.Context, label string) ([]MovieSummary, error) {
	if err := s.settlePending(ctx); err != nil {
		return nil, err
	}
	groups, err := s.store.GroupBySentiment(ctx, strings.TrimSpace(label))
	if err != nil {
		return nil, storeErr("summarize results", err)
	}
	return regroup(groups), nil
}

// Stats reports store counters. A failing store yields a disconnected status
// rather than an error.
func (s *Service) Stats(ctx context.Context) models.StoreStats {
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("result store stats unavailable", "err", err)
		return models.StoreStats{Status: "disconnected", SentimentCounts: map[string]int64{}, Error: err.Error()}
	}
	return st
}

// Clear empties the result store and returns how many records were removed.
func (s *Service) Clear(ctx context.Context) (int64, error) {
	n, err := s.store.Clear(ctx)
	if err != nil {
		return 0, storeErr("clear results", err)
	}
	return n, nil
}

// ClearRecords removes exactly the given records and returns how many were removed.
func (s *Service) ClearRecords(ctx context.Context, recs []models.Record) (int64, error) {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	n, err := s.store.DeleteRecords(ctx, ids)
	if err != nil {
		return 0, storeErr("clear results", err)
	}
	return n, nil
}

func (s *Service) reconcile(ctx context.Context, recs []models.Record) []models.Record {
	if s.reconciler == nil {
		return recs
	}
	return s.reconciler.Reconcile(ctx, recs)
}

// settlePending reconciles every pending record so aggregates see settled jobs.
func (s *Service) settlePending(ctx context.Context) error {
	if s.reconciler == nil {
		return nil
	}
	pending, err := s.store.PendingRecords(ctx)
	if err != nil {
		return storeErr("load pending results", err)
	}
	if len(pending) > 0 {
		s.reconciler.Reconcile(ctx, pending)
	}
	return nil
}

func regroup(groups []models.SentimentGroup) []MovieSummary {
	byMovie := make(map[string]*MovieSummary)
	var order []string
	for _, g := range groups {
		if g.Count <= 0 || math.IsNaN(g.AvgConfidence) || math.IsInf(g.AvgConfidence, 0) {
			continue
		}
		m, ok := byMovie[g.Label]
		if !ok {
			m = &MovieSummary{Movie: g.Label, Sentiments: []SentimentBreakdown{}}
			byMovie[g.Label] = m
			order = append(order, g.Label)
		}
		m.Sentiments = append(m.Sentiments, SentimentBreakdown{
			Sentiment:     g.Sentiment,
			Count:         g.Count,
			AvgConfidence: g.AvgConfidence,
		})
		m.TotalReviews += g.Count
	}
	sort.Strings(order)
	out := make([]MovieSummary, 0, len(order))
	for _, name := range order {
		out = append(out, *byMovie[name])
	}
	return out
}

func storeErr(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, "failed to "+op, err)
}
