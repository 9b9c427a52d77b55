package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"reuni-scraper/models"
	"reuni-scraper/utils"
)

const (
	UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxBodyBytes = 8 << 20
)

// Fetcher performs plain HTTP GETs for one source under the shared rate limiter.
// It allows a single request in flight per instance.
type Fetcher struct {
	source  string
	client  *http.Client
	limiter *utils.RateLimiter
	mu      sync.Mutex
}

// NewFetcher creates a Fetcher. The per-request timeout comes from the limiter's source config.
func NewFetcher(source string, limiter *utils.RateLimiter) *Fetcher {
	return &Fetcher{
		source:  source,
		client:  &http.Client{},
		limiter: limiter,
	}
}

// Get returns the body of url, classifying failures into the pipeline error taxonomy.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body []byte
	err := f.limiter.Do(ctx, f.source, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return models.NotFoundError(f.source, url, fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("User-Agent", UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")

		resp, err := f.client.Do(req)
		if err != nil {
			return ClassifyNetworkError(ctx, f.source, url, err)
		}
		defer resp.Body.Close()

		if err := StatusError(f.source, url, resp.StatusCode); err != nil {
			return err
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return models.TransientNetworkError(f.source, url, fmt.Errorf("reading body: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// StatusError maps an HTTP status onto the error taxonomy; nil for 2xx.
func StatusError(source, url string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly,
		code == http.StatusTooManyRequests, code >= 500:
		return models.TransientNetworkError(source, url, fmt.Errorf("unexpected status code: %d", code))
	default:
		return models.NotFoundError(source, url, fmt.Errorf("unexpected status code: %d", code))
	}
}

// ClassifyNetworkError turns transport failures into TransientNetworkError, leaving a
// cancellation of the caller's own context untouched.
func ClassifyNetworkError(ctx context.Context, source, url string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return models.TransientNetworkError(source, url, err)
}

// Classifier returns the retry classifier for extractor calls. Parse errors get one retry and
// are fatal afterwards; not-found and caller cancellation are fatal immediately.
func Classifier() utils.Classifier {
	parseFailures := 0
	return func(err error) utils.Class {
		switch {
		case errors.Is(err, context.Canceled):
			return utils.Fatal
		case models.IsKind(err, models.KindNotFound):
			return utils.Fatal
		case models.IsKind(err, models.KindParse):
			parseFailures++
			if parseFailures > 1 {
				return utils.Fatal
			}
			return utils.Retryable
		default:
			return utils.Retryable
		}
	}
}
