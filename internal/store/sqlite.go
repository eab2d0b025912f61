package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sentiment-dispatcher/internal/models"
)

// SQLite is a file or in-memory result store for local runs and tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dsn and runs migrations.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &SQLite{db: db}
	err = runMigrations(ctx, "migrations/sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqlitePlaceholder(int) string { return "?" }

func (s *SQLite) InsertRecords(ctx context.Context, records []models.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO results (`+insertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, r.ID, r.Label, r.Text, nullIfEmpty(r.Sentiment), nullableFloat(r.Confidence), r.Status,
			nullIfEmpty(r.Error), r.Timestamp.UTC().Format(time.RFC3339Nano), r.ProcessingMode, nullIfEmpty(r.JobID), foldLabel(r.Label))
		if err != nil {
			return 0, fmt.Errorf("insert result: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(records), nil
}

func (s *SQLite) ListRecords(ctx context.Context, f Filter) ([]models.Record, error) {
	where, args := filterClause(f, sqlitePlaceholder)
	return s.query(ctx, `SELECT `+recordColumns+` FROM results`+where+` ORDER BY seq`, args...)
}

func (s *SQLite) GetRecord(ctx context.Context, id string) (models.Record, error) {
	recs, err := s.query(ctx, `SELECT `+recordColumns+` FROM results WHERE id = ?`, id)
	if err != nil {
		return models.Record{}, err
	}
	if len(recs) == 0 {
		return models.Record{}, notFound(id)
	}
	return recs[0], nil
}

func (s *SQLite) PendingRecords(ctx context.Context) ([]models.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM results WHERE `+pendingCondition+` ORDER BY seq`)
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := make([]models.Record, 0)
	for rows.Next() {
		var (
			r         models.Record
			sentiment sql.NullString
			conf      sql.NullFloat64
			errText   sql.NullString
			jobID     sql.NullString
			ts        string
		)
		if err := rows.Scan(&r.ID, &r.Label, &r.Text, &sentiment, &conf, &r.Status, &errText, &ts, &r.ProcessingMode, &jobID); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Sentiment = sentiment.String
		if conf.Valid {
			v := conf.Float64
			r.Confidence = &v
		}
		r.Error = errText.String
		r.JobID = jobID.String
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		r.Timestamp = parsed
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

func (s *SQLite) CompleteRecord(ctx context.Context, id, sentiment string, confidence float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE results
		SET sentiment = ?, confidence = ?, status = ?, error = NULL, job_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND `+pendingCondition, sentiment, confidence, models.StatusSucceeded, id)
	if err != nil {
		return false, fmt.Errorf("complete result %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) FailRecord(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE results
		SET status = ?, error = ?, job_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND `+pendingCondition, models.StatusFailed, reason, id)
	if err != nil {
		return false, fmt.Errorf("fail result %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) DistinctLabels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT movie_name FROM results
		WHERE status IN ('succeeded', 'failed')
		ORDER BY movie_name
	`)
	if err != nil {
		return nil, fmt.Errorf("distinct movies: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan movie: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) GroupBySentiment(ctx context.Context, label string) ([]models.SentimentGroup, error) {
	q, args := groupClause(label, sqlitePlaceholder)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("group results: %w", err)
	}
	defer rows.Close()
	out := make([]models.SentimentGroup, 0)
	for rows.Next() {
		var g models.SentimentGroup
		var avg sql.NullFloat64
		if err := rows.Scan(&g.Label, &g.Sentiment, &g.Count, &avg); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if !avg.Valid || g.Count == 0 {
			continue
		}
		g.AvgConfidence = avg.Float64
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (models.StoreStats, error) {
	st := models.StoreStats{Status: "connected", SentimentCounts: map[string]int64{}}
	if err := s.db.QueryRowContext(ctx, statsQuery).Scan(&st.TotalDocuments, &st.UniqueMovies, &st.PendingCount, &st.FailedCount); err != nil {
		return models.StoreStats{}, fmt.Errorf("count results: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sentimentCountsQuery)
	if err != nil {
		return models.StoreStats{}, fmt.Errorf("count sentiments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sentiment string
		var n int64
		if err := rows.Scan(&sentiment, &n); err != nil {
			return models.StoreStats{}, fmt.Errorf("scan sentiment count: %w", err)
		}
		st.SentimentCounts[sentiment] = n
	}
	return st, rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results`)
	if err != nil {
		return 0, fmt.Errorf("clear results: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) DeleteRecords(ctx context.Context, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += deleteChunk {
		end := min(start+deleteChunk, len(ids))
		q, args := deleteClause(ids[start:end], sqlitePlaceholder)
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("delete results: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
