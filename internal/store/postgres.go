package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"sentiment-dispatcher/internal/models"
)

// Postgres wraps pgxpool for result persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "migrations/postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// InsertRecords writes the batch in one transaction; either every record lands or none does.
func (s *Postgres) InsertRecords(ctx context.Context, records []models.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO results (`+insertColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, r.ID, r.Label, r.Text, nullIfEmpty(r.Sentiment), nullableFloat(r.Confidence), r.Status, nullIfEmpty(r.Error), r.Timestamp.UTC(), r.ProcessingMode, nullIfEmpty(r.JobID), foldLabel(r.Label))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(records), nil
}

func (s *Postgres) ListRecords(ctx context.Context, f Filter) ([]models.Record, error) {
	where, args := filterClause(f, pgPlaceholder)
	return s.query(ctx, `SELECT `+recordColumns+` FROM results`+where+` ORDER BY seq`, args...)
}

func (s *Postgres) GetRecord(ctx context.Context, id string) (models.Record, error) {
	recs, err := s.query(ctx, `SELECT `+recordColumns+` FROM results WHERE id = $1`, id)
	if err != nil {
		return models.Record{}, err
	}
	if len(recs) == 0 {
		return models.Record{}, notFound(id)
	}
	return recs[0], nil
}

func (s *Postgres) PendingRecords(ctx context.Context) ([]models.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM results WHERE `+pendingCondition+` ORDER BY seq`)
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) ([]models.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := make([]models.Record, 0)
	for rows.Next() {
		var (
			r         models.Record
			sentiment pgtype.Text
			conf      pgtype.Float8
			errText   pgtype.Text
			jobID     pgtype.Text
			ts        time.Time
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
		r.Timestamp = ts.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

func (s *Postgres) CompleteRecord(ctx context.Context, id, sentiment string, confidence float64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE results
		SET sentiment = $2, confidence = $3, status = $4, error = NULL, job_id = NULL, updated_at = NOW()
		WHERE id = $1 AND `+pendingCondition, id, sentiment, confidence, models.StatusSucceeded)
	if err != nil {
		return false, fmt.Errorf("complete result %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) FailRecord(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE results
		SET status = $2, error = $3, job_id = NULL, updated_at = NOW()
		WHERE id = $1 AND `+pendingCondition, id, models.StatusFailed, reason)
	if err != nil {
		return false, fmt.Errorf("fail result %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) DistinctLabels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
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

func (s *Postgres) GroupBySentiment(ctx context.Context, label string) ([]models.SentimentGroup, error) {
	sql, args := groupClause(label, pgPlaceholder)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("group results: %w", err)
	}
	defer rows.Close()
	out := make([]models.SentimentGroup, 0)
	for rows.Next() {
		var g models.SentimentGroup
		var avg pgtype.Float8
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

func (s *Postgres) Stats(ctx context.Context) (models.StoreStats, error) {
	st := models.StoreStats{Status: "connected", SentimentCounts: map[string]int64{}}
	if err := s.pool.QueryRow(ctx, statsQuery).Scan(&st.TotalDocuments, &st.UniqueMovies, &st.PendingCount, &st.FailedCount); err != nil {
		return models.StoreStats{}, fmt.Errorf("count results: %w", err)
	}
	rows, err := s.pool.Query(ctx, sentimentCountsQuery)
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

func (s *Postgres) Clear(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM results`)
	if err != nil {
		return 0, fmt.Errorf("clear results: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) DeleteRecords(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM results WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	return tag.RowsAffected(), nil
}
