package store

import (
	"context"
	"fmt"
	"strings"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
)

// Filter narrows a record scan. Empty fields match everything.
type Filter struct {
	// Label is a case-insensitive substring of the movie name.
	Label string
	// Sentiment is matched exactly against terminal records.
	Sentiment string
	// IncludePending keeps queued/running records alongside a sentiment match so
	// callers can reconcile them before filtering.
	IncludePending bool
}

// Store is the result store contract: insert-batch, scans, distinct, grouped aggregation and bulk clear.
type Store interface {
	InsertRecords(ctx context.Context, records []models.Record) (int, error)
	ListRecords(ctx context.Context, f Filter) ([]models.Record, error)
	PendingRecords(ctx context.Context) ([]models.Record, error)
	// CompleteRecord and FailRecord transition a pending record to terminal in a single
	// statement. They report false when the record was already terminal.
	CompleteRecord(ctx context.Context, id, sentiment string, confidence float64) (bool, error)
	FailRecord(ctx context.Context, id, reason string) (bool, error)
	// GetRecord returns the stored record or an apperr.KindNotFound error.
	GetRecord(ctx context.Context, id string) (models.Record, error)
	DistinctLabels(ctx context.Context) ([]string, error)
	GroupBySentiment(ctx context.Context, label string) ([]models.SentimentGroup, error)
	Stats(ctx context.Context) (models.StoreStats, error)
	Clear(ctx context.Context) (int64, error)
	// DeleteRecords removes only the given ids and reports how many were removed.
	DeleteRecords(ctx context.Context, ids []string) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Open connects to the configured driver and applies migrations.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "postgres", "":
		st, err := New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := st.Ping(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "sqlite":
		return NewSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// foldLabel is the case folding stored in movie_name_lower. SQLite's lower() and
// LIKE fold ASCII only, so label matching never relies on them.
func foldLabel(s string) string {
	return strings.ToLower(s)
}

// likePattern builds a folded substring pattern for LIKE ... ESCAPE '\'.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(foldLabel(s)) + "%"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Unavailable stands in for a store that could not be reached at startup.
// Every call fails with apperr.KindStoreUnavailable.
type Unavailable struct {
	Cause error
}

func (u Unavailable) err() error {
	return apperr.Wrap(apperr.KindStoreUnavailable, "result store unavailable", u.Cause)
}

func (u Unavailable) InsertRecords(context.Context, []models.Record) (int, error) { return 0, u.err() }
func (u Unavailable) ListRecords(context.Context, Filter) ([]models.Record, error) {
	return nil, u.err()
}
func (u Unavailable) PendingRecords(context.Context) ([]models.Record, error) { return nil, u.err() }
func (u Unavailable) CompleteRecord(context.Context, string, string, float64) (bool, error) {
	return false, u.err()
}
func (u Unavailable) FailRecord(context.Context, string, string) (bool, error) { return false, u.err() }
func (u Unavailable) GetRecord(context.Context, string) (models.Record, error) {
	return models.Record{}, u.err()
}
func (u Unavailable) DistinctLabels(context.Context) ([]string, error)        { return nil, u.err() }
func (u Unavailable) GroupBySentiment(context.Context, string) ([]models.SentimentGroup, error) {
	return nil, u.err()
}
func (u Unavailable) Stats(context.Context) (models.StoreStats, error) {
	return models.StoreStats{}, u.err()
}
func (u Unavailable) Clear(context.Context) (int64, error) { return 0, u.err() }
func (u Unavailable) DeleteRecords(context.Context, []string) (int64, error) {
	return 0, u.err()
}
func (u Unavailable) Ping(context.Context) error { return u.err() }
func (u Unavailable) Close()                     {}

const recordColumns = `id, movie_name, review_text, sentiment, confidence, status, error, ts, processing_mode, job_id`

const insertColumns = recordColumns + `, movie_name_lower`

// deleteChunk bounds the placeholders in one DELETE ... IN (...) statement.
const deleteChunk = 500

const pendingCondition = `status IN ('queued', 'running') AND job_id IS NOT NULL`

const statsQuery = `
	SELECT
		COUNT(*),
		COUNT(DISTINCT CASE WHEN status IN ('succeeded', 'failed') THEN movie_name END),
		COALESCE(SUM(CASE WHEN status IN ('queued', 'running') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
	FROM results`

const sentimentCountsQuery = `
	SELECT sentiment, COUNT(*) FROM results
	WHERE status = 'succeeded' AND sentiment IS NOT NULL
	GROUP BY sentiment`

// filterClause renders f as a WHERE clause using placeholder(n) for the nth argument.
func filterClause(f Filter, placeholder func(int) string) (string, []any) {
	var conds []string
	var args []any
	if f.Label != "" {
		args = append(args, likePattern(f.Label))
		conds = append(conds, fmt.Sprintf(`movie_name_lower LIKE %s ESCAPE '\'`, placeholder(len(args))))
	}
	if f.Sentiment != "" {
		args = append(args, f.Sentiment)
		if f.IncludePending {
			conds = append(conds, fmt.Sprintf(`(sentiment = %s OR (%s))`, placeholder(len(args)), pendingCondition))
		} else {
			conds = append(conds, fmt.Sprintf(`sentiment = %s AND status = 'succeeded'`, placeholder(len(args))))
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// groupClause renders the first aggregation stage over succeeded records.
func groupClause(label string, placeholder func(int) string) (string, []any) {
	q := `SELECT movie_name, sentiment, COUNT(*), AVG(confidence) FROM results
		WHERE status = 'succeeded' AND sentiment IS NOT NULL AND confidence IS NOT NULL`
	var args []any
	if label != "" {
		args = append(args, likePattern(label))
		q += fmt.Sprintf(` AND movie_name_lower LIKE %s ESCAPE '\'`, placeholder(1))
	}
	q += ` GROUP BY movie_name, sentiment ORDER BY movie_name ASC, sentiment DESC`
	return q, args
}

// deleteClause renders a DELETE for ids using placeholder(n) for the nth argument.
func deleteClause(ids []string, placeholder func(int) string) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = placeholder(i + 1)
		args[i] = id
	}
	return `DELETE FROM results WHERE id IN (` + strings.Join(marks, ", ") + `)`, args
}

func notFound(id string) error {
	return apperr.New(apperr.KindNotFound, fmt.Sprintf("result %s not found", id))
}
