package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/dispatch"
	"sentiment-dispatcher/internal/ingest"
	"sentiment-dispatcher/internal/models"
)

type analyzeResponse struct {
	Message string `json:"message"`
	dispatch.Outcome
	CleanedRows int  `json:"cleaned_rows,omitempty"`
	Success     bool `json:"success"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		s.writeError(w, tooLarge(err, s.cfg.MaxUploadBytes))
		return
	}
	items, err := ingest.DecodeBatch(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.router.Dispatch(r.Context(), items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOutcome(w, out, 0)
}

func (s *Server) handleAnalyzeCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("csv_file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, tooLarge(err, s.cfg.MaxUploadBytes))
			return
		}
		s.writeError(w, apperr.Validation("No CSV file provided"))
		return
	}
	defer file.Close()
	if header.Filename == "" {
		s.writeError(w, apperr.Validation("Please select a valid CSV file"))
		return
	}

	tbl, err := ingest.Parse(header.Filename, file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("upload parsed", "file", header.Filename, "rows", tbl.TotalRows, "cleaned_rows", tbl.CleanedRows)
	if dropped := tbl.TotalRows - tbl.CleanedRows; dropped > 0 {
		s.logger.Info("removed rows with missing data", "count", dropped)
	}

	out, err := s.router.Dispatch(r.Context(), tbl.Items)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out.TotalRows = tbl.TotalRows
	s.writeOutcome(w, out, tbl.CleanedRows)
}

func (s *Server) writeOutcome(w http.ResponseWriter, out dispatch.Outcome, cleaned int) {
	resp := analyzeResponse{Outcome: out, CleanedRows: cleaned, Success: true}
	code := http.StatusOK
	if out.Mode == models.ModeBackground {
		resp.Message = fmt.Sprintf("Queued %d of %d reviews for background processing", out.QueuedCount, out.TotalRows)
		code = http.StatusAccepted
	} else {
		resp.Message = fmt.Sprintf("Processed %d reviews", out.ProcessedCount)
	}
	writeJSON(w, code, resp)
}

func tooLarge(err error, limit int64) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return apperr.Validation("File too large. Maximum size: %.1fMB", float64(limit)/1024/1024)
	}
	return apperr.Validation("could not read request body: %v", err)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	recs, err := s.query.Results(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": nonNil(recs),
		"count":   len(recs),
		"success": true,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := labelParam(r)
	sentiment := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("sentiment")))
	recs, err := s.query.Search(r.Context(), name, sentiment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":     nonNil(recs),
		"total_count": len(recs),
		"search_criteria": map[string]string{
			"movie_name": orDefault(name, "Any"),
			"sentiment":  orDefault(sentiment, "Any"),
		},
		"success": true,
	})
}

func (s *Server) handleMovies(w http.ResponseWriter, r *http.Request) {
	movies, err := s.query.UniqueLabels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movies": movies, "count": len(movies), "success": true})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	name := labelParam(r)
	summary, err := s.query.Summary(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":    summary,
		"movie_name": orDefault(name, "All movies"),
		"success":    true,
	})
}

// handleClear empties the store. With an archiver configured only the records in
// the snapshot are deleted, so rows written after the snapshot survive.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var (
		location string
		n        int64
		err      error
	)
	if s.archiver != nil {
		var recs []models.Record
		recs, err = s.query.Results(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		location, err = s.archiver.Snapshot(r.Context(), recs)
		if err != nil {
			s.writeError(w, apperr.Wrap(apperr.KindInternal, "archive before clear failed", err))
			return
		}
		n, err = s.query.ClearRecords(r.Context(), recs)
	} else {
		n, err = s.query.Clear(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("result store cleared", "deleted", n, "archive", location)
	resp := map[string]any{
		"message":       fmt.Sprintf("Cleared %d results from local database", n),
		"deleted_count": n,
		"success":       true,
	}
	if location != "" {
		resp["archive"] = location
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.queueAvailable() {
		s.writeError(w, apperr.New(apperr.KindQueueUnavailable, "Job queue unavailable"))
		return
	}
	h, err := s.jobs.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if !s.queueAvailable() {
		s.writeError(w, apperr.New(apperr.KindQueueUnavailable, "Job queue unavailable"))
		return
	}
	st, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"database": s.query.Stats(r.Context()),
		"queue":    s.queueStatus(r.Context()),
		"success":  true,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ml := map[string]string{"status": "disconnected"}
	if s.classifier != nil {
		ml["url"] = s.classifier.BaseURL()
		if err := s.classifier.Health(r.Context()); err == nil {
			ml["status"] = "connected"
		} else {
			ml["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"message":    "Sentiment dispatcher is running",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"ml_service": ml,
		"database":   s.query.Stats(r.Context()),
		"queue":      s.queueStatus(r.Context()),
	})
}

func (s *Server) queueStatus(ctx context.Context) map[string]any {
	if !s.queueAvailable() {
		return map[string]any{"status": "unavailable"}
	}
	st, err := s.jobs.Stats(ctx)
	if err != nil {
		return map[string]any{"status": "unavailable", "error": err.Error()}
	}
	return map[string]any{"status": "connected", "stats": st}
}

// labelParam reads the movie filter; name is accepted as an alias of movie_name.
func labelParam(r *http.Request) string {
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("name")); v != "" {
		return v
	}
	return strings.TrimSpace(q.Get("movie_name"))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func nonNil(recs []models.Record) []models.Record {
	if recs == nil {
		return []models.Record{}
	}
	return recs
}
