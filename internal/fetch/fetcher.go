// Package fetch implements resilient paginated extraction from the manga API.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hellstation/mangalake/internal/config"
	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/metrics"
)

// defaultBackoffBase is the first retry delay; each further retry doubles it.
const defaultBackoffBase = 800 * time.Millisecond

// maxRetryAfter caps how long a 429 Retry-After hint is honored.
const maxRetryAfter = 2 * time.Minute

// endpoint is one API target with its quirk flags.
type endpoint struct {
	role string // "primary" or "fallback"
	url  string
	// tolerate400 treats HTTP 400 as end-of-data. Some public APIs
	// (e.g. MangaDex) return 400 when offset exceeds the total.
	tolerate400 bool
}

// Fetcher walks the manga API page by page with per-page retries and a
// one-way failover from the primary to the fallback endpoint.
//
// Fetcher performs no storage I/O; persisting the yielded records is the
// caller's responsibility, which keeps fetching and persistence
// independently testable.
type Fetcher struct {
	endpoints  []endpoint
	pageSize   int
	maxRetries int
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// backoffBase is overridable in tests to keep retry loops fast.
	backoffBase time.Duration
}

// New creates a Fetcher from configuration. At least one of MangaAPIBase
// and MangaAPIFallback must be set.
func New(cfg *config.Config, logger *slog.Logger) (*Fetcher, error) {
	var eps []endpoint
	if cfg.MangaAPIBase != "" {
		eps = append(eps, endpoint{role: "primary", url: cfg.MangaAPIBase})
	}
	if cfg.MangaAPIFallback != "" {
		eps = append(eps, endpoint{role: "fallback", url: cfg.MangaAPIFallback, tolerate400: true})
	}
	if len(eps) == 0 {
		return nil, domain.ErrValidation("no API endpoint configured: set MANGA_API_BASE or MANGA_API_FALLBACK")
	}

	return &Fetcher{
		endpoints:   eps,
		pageSize:    cfg.PageSize,
		maxRetries:  cfg.RequestRetries,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
		logger:      logger.With("component", "fetcher"),
		backoffBase: defaultBackoffBase,
	}, nil
}

// Fetch returns a lazy stream over all records, starting at offset 0.
// The stream is finite and not restartable: each Fetch call re-walks the
// pages from the beginning, and a drained stream stays drained.
func (f *Fetcher) Fetch() *RecordStream {
	return &RecordStream{f: f}
}

// RecordStream yields RawRecords one page at a time. Not safe for
// concurrent use.
type RecordStream struct {
	f        *Fetcher
	offset   int
	buf      []domain.RawRecord
	pos      int
	done     bool
	err      error
	epIndex  int  // index into f.endpoints; advances on failover, never retreats
	lastPage bool // the page in buf was short, so it is the final one
}

// Pages reports how many non-empty pages the stream has yielded so far.
func (s *RecordStream) Pages() int {
	if s.offset == 0 {
		return 0
	}
	return s.offset / s.f.pageSize
}

// Next returns the next record. ok is false when the stream is exhausted or
// failed; err is non-nil only on terminal failure and is a
// *domain.ExtractionError carrying the last offset attempted, so callers can
// decide whether to keep the records already yielded or abort.
func (s *RecordStream) Next(ctx context.Context) (rec domain.RawRecord, ok bool, err error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if s.pos < len(s.buf) {
		rec = s.buf[s.pos]
		s.pos++
		return rec, true, nil
	}
	if s.done {
		return nil, false, nil
	}
	if s.lastPage {
		s.done = true
		return nil, false, nil
	}

	page, err := s.fetchPage(ctx)
	if err != nil {
		s.err = err
		s.done = true
		return nil, false, err
	}
	if len(page) == 0 {
		s.done = true
		return nil, false, nil
	}

	metrics.PagesFetchedTotal.Inc()
	metrics.RecordsFetchedTotal.Add(float64(len(page)))

	// A short page is the final one; never trust a total-count header.
	s.lastPage = len(page) < s.f.pageSize
	s.offset += s.f.pageSize
	s.buf = page
	s.pos = 1
	return page[0], true, nil
}

// fetchPage runs the per-page state machine:
// current endpoint → retry loop → failover → retry loop → terminal.
// Failover is one-way: once the stream moves to the fallback, the primary
// is never contacted again for the remainder of the fetch.
func (s *RecordStream) fetchPage(ctx context.Context) ([]domain.RawRecord, error) {
	for ; s.epIndex < len(s.f.endpoints); s.epIndex++ {
		ep := s.f.endpoints[s.epIndex]
		page, err := s.f.requestWithRetries(ctx, ep, s.offset)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, domain.ErrExtraction(s.offset, "fetch aborted: %v", ctx.Err())
		}
		if s.epIndex+1 < len(s.f.endpoints) {
			s.f.logger.Warn("endpoint exhausted retries, failing over",
				"endpoint", ep.role, "offset", s.offset, "error", err)
			continue
		}
		return nil, domain.ErrExtraction(s.offset, "all endpoints exhausted: %v", err)
	}
	return nil, domain.ErrExtraction(s.offset, "no endpoint available")
}

// requestWithRetries attempts one page against one endpoint, retrying
// retriable outcomes up to maxRetries total attempts with exponential
// backoff. A terminal outcome (non-429 4xx) fails immediately.
func (f *Fetcher) requestWithRetries(ctx context.Context, ep endpoint, offset int) ([]domain.RawRecord, error) {
	attempts := f.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := f.backoffBase << uint(attempt-2)
			if wait := retryAfterHint(lastErr); wait > backoff {
				backoff = wait
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, domain.ErrTransient("fetch canceled: %v", ctx.Err())
			}
			f.logger.Info("retrying page", "endpoint", ep.role, "offset", offset, "attempt", attempt)
		}

		page, res := f.requestPage(ctx, ep, offset)
		switch res.kind {
		case attemptSuccess:
			metrics.APICallsTotal.WithLabelValues(ep.role, "success").Inc()
			return page, nil
		case attemptTerminal:
			metrics.APICallsTotal.WithLabelValues(ep.role, "terminal").Inc()
			return nil, res.err
		default:
			metrics.APICallsTotal.WithLabelValues(ep.role, "retriable").Inc()
			lastErr = res.err
			f.logger.Warn("page attempt failed", "endpoint", ep.role, "offset", offset,
				"attempt", attempt, "error", res.err)
		}
	}
	return nil, lastErr
}

// attemptKind classifies one page request.
type attemptKind int

const (
	attemptSuccess attemptKind = iota
	attemptRetriable
	attemptTerminal
)

type attemptResult struct {
	kind attemptKind
	err  error
}

// retryAfterError wraps a 429 response carrying a Retry-After hint.
type retryAfterError struct {
	msg  string
	wait time.Duration
}

func (e *retryAfterError) Error() string { return e.msg }

// retryAfterHint extracts a server-provided wait from the last error, if any.
func retryAfterHint(err error) time.Duration {
	if ra, ok := err.(*retryAfterError); ok {
		return ra.wait
	}
	return 0
}

// requestPage issues a single GET for one page and classifies the outcome.
func (f *Fetcher) requestPage(ctx context.Context, ep endpoint, offset int) ([]domain.RawRecord, attemptResult) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, attemptResult{attemptRetriable, domain.ErrTransient("rate limiter: %v", err)}
	}

	u, err := url.Parse(ep.url)
	if err != nil {
		return nil, attemptResult{attemptTerminal, fmt.Errorf("parse endpoint URL %q: %w", ep.url, err)}
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(f.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, attemptResult{attemptTerminal, fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, attemptResult{attemptRetriable, domain.ErrTransient("request %s offset %d: %v", ep.role, offset, err)}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		page, err := decodePage(resp.Body)
		if err != nil {
			return nil, attemptResult{attemptRetriable, domain.ErrTransient("decode page at offset %d: %v", offset, err)}
		}
		return page, attemptResult{kind: attemptSuccess}

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, attemptResult{attemptRetriable, &retryAfterError{
			msg:  fmt.Sprintf("rate limited by %s at offset %d", ep.role, offset),
			wait: wait,
		}}

	case resp.StatusCode == http.StatusBadRequest && ep.tolerate400:
		// Offset past the end on a tolerant endpoint: no more data.
		return nil, attemptResult{kind: attemptSuccess}

	case resp.StatusCode >= 500:
		return nil, attemptResult{attemptRetriable, domain.ErrTransient("%s returned %d at offset %d", ep.role, resp.StatusCode, offset)}

	default:
		// Remaining 4xx are non-retriable.
		return nil, attemptResult{attemptTerminal, fmt.Errorf("%s returned %d at offset %d", ep.role, resp.StatusCode, offset)}
	}
}

// decodePage accepts the three shapes the API is known to return:
// a {"data": [...]} envelope, a bare array, or a single object.
func decodePage(r io.Reader) ([]domain.RawRecord, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err == nil {
		// Envelope: the data key decides, even when explicitly null.
		if data, ok := probe["data"]; ok {
			var list []domain.RawRecord
			if err := json.Unmarshal(data, &list); err != nil {
				return nil, fmt.Errorf("envelope data is not an array: %w", err)
			}
			return list, nil
		}
		if len(probe) == 0 {
			return nil, nil
		}
		var single domain.RawRecord
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("unrecognized page shape: %w", err)
		}
		return []domain.RawRecord{single}, nil
	}

	var list []domain.RawRecord
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("unrecognized page shape: %w", err)
	}
	return list, nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms, capped at
// maxRetryAfter. Returns 0 when the header is absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}
