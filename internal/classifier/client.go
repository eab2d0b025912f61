package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
)

// Result is one classified review as returned by the ML service.
type Result struct {
	Label      string  `json:"movie_name"`
	Text       string  `json:"text,omitempty"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
}

type batchRequest struct {
	Reviews []models.ReviewItem `json:"reviews"`
}

type batchResponse struct {
	Results []Result `json:"results"`
}

// maxErrorBody caps how much of an upstream error body is forwarded.
const maxErrorBody = 64 * 1024

// Client calls the sentiment service's batch endpoint.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	healthTimeout time.Duration
}

// New builds a client whose batch calls are bounded by timeout.
func New(baseURL string, timeout, healthTimeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		healthTimeout: healthTimeout,
	}
}

// BaseURL returns the configured service address.
func (c *Client) BaseURL() string { return c.baseURL }

// Classify sends the whole batch in one round trip.
func (c *Client) Classify(ctx context.Context, items []models.ReviewItem) ([]Result, error) {
	body, err := json.Marshal(batchRequest{Reviews: items})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &apperr.Error{
			Kind:    apperr.KindDispatchUpstream,
			Message: fmt.Sprintf("ML service returned error: %d", resp.StatusCode),
			Detail:  string(raw),
			Status:  resp.StatusCode,
		}
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if isTimeout(err) {
			return nil, apperr.Wrap(apperr.KindDispatchTimeout, "ML service timeout", err)
		}
		return nil, &apperr.Error{
			Kind:    apperr.KindDispatchUpstream,
			Message: "ML service returned an unreadable response",
			Status:  resp.StatusCode,
			Cause:   err,
		}
	}
	if len(out.Results) == 0 {
		return nil, &apperr.Error{
			Kind:    apperr.KindDispatchUpstream,
			Message: "ML service returned no results",
			Status:  resp.StatusCode,
		}
	}
	for i, r := range out.Results {
		if !models.ValidSentiment(r.Sentiment) || r.Confidence < 0 || r.Confidence > 1 {
			return nil, &apperr.Error{
				Kind:    apperr.KindDispatchUpstream,
				Message: fmt.Sprintf("ML service returned an invalid result at index %d", i),
				Detail:  fmt.Sprintf("sentiment=%q confidence=%v", r.Sentiment, r.Confidence),
				Status:  resp.StatusCode,
			}
		}
	}
	return out.Results, nil
}

// Health reports whether GET /health answers 200.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err, c.baseURL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &apperr.Error{Kind: apperr.KindDispatchUpstream, Message: "ML service unhealthy", Status: resp.StatusCode}
	}
	return nil
}

func classifyTransportError(err error, baseURL string) error {
	if isTimeout(err) {
		return apperr.Wrap(apperr.KindDispatchTimeout,
			"ML service timeout. Please try with a smaller file or check if ML service is running.", err)
	}
	return apperr.Wrap(apperr.KindDispatchUnavailable,
		fmt.Sprintf("Cannot connect to ML service at %s. Please check if it's running.", baseURL), err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
