package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
)

func TestClassifySendsWholeBatchOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodPost || r.URL.Path != "/process-batch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		out := batchResponse{}
		for _, it := range req.Reviews {
			out.Results = append(out.Results, Result{Label: it.Label, Sentiment: "positive", Confidence: 0.9})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, time.Second)
	res, err := c.Classify(context.Background(), []models.ReviewItem{
		{Text: "great film", Label: "Nova"},
		{Text: "bad film", Label: "Nova"},
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one round trip, got %d", calls)
	}
	if len(res) != 2 || res[0].Label != "Nova" {
		t.Fatalf("unexpected results %+v", res)
	}
}

func TestClassifyUpstreamErrorForwardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"model not loaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, time.Second).Classify(context.Background(), []models.ReviewItem{{Text: "x", Label: "y"}})
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindDispatchUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if ae.Status != http.StatusServiceUnavailable || ae.Detail == "" {
		t.Fatalf("expected status and body forwarded, got %+v", ae)
	}
}

func TestClassifyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, 50*time.Millisecond, time.Second).Classify(context.Background(), []models.ReviewItem{{Text: "x", Label: "y"}})
	if !errors.Is(err, apperr.ErrDispatchTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestClassifyConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second, time.Second).Classify(context.Background(), []models.ReviewItem{{Text: "x", Label: "y"}})
	if !errors.Is(err, apperr.ErrDispatchUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestClassifyRejectsEmptyAndInvalidResults(t *testing.T) {
	body := `{"results":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	c := New(srv.URL, time.Second, time.Second)

	if _, err := c.Classify(context.Background(), []models.ReviewItem{{Text: "x", Label: "y"}}); !errors.Is(err, apperr.ErrDispatchUpstream) {
		t.Fatalf("expected upstream error for empty results, got %v", err)
	}
	body = `{"results":[{"movie_name":"y","sentiment":"meh","confidence":0.5}]}`
	if _, err := c.Classify(context.Background(), []models.ReviewItem{{Text: "x", Label: "y"}}); !errors.Is(err, apperr.ErrDispatchUpstream) {
		t.Fatalf("expected upstream error for invalid sentiment, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	if err := New(srv.URL, time.Second, time.Second).Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
