package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cplus-sensores/colector/internal/models"
)

// maxBodyBytes bounds a single page read.
const maxBodyBytes = 64 << 20

// Options tunes request shape, pagination and retry behaviour.
type Options struct {
	StartParam     string
	EndParam       string
	DateField      string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxPages       int
	// StopOnOlder ends pagination after a page that contains records older
	// than the window start. Only valid for APIs that page newest first.
	StopOnOlder bool
}

// Client retrieves measurement records from device APIs.
type Client struct {
	http   *http.Client
	opts   Options
	logger *slog.Logger
}

// New builds a client. Zero options fall back to single-attempt, unbounded
// defaults that are only sensible in tests.
func New(httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxPages < 1 {
		opts.MaxPages = 1000
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.DateField == "" {
		opts.DateField = "fecha"
	}
	return &Client{http: httpClient, opts: opts, logger: logger}
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s from %s", e.Status, e.URL)
}

// Retryable reports whether the status is worth another attempt: server
// errors, rate limiting and request timeouts.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// ErrMalformedPayload marks a response body that is not a recognised page.
var ErrMalformedPayload = errors.New("malformed payload")

// Records streams the records of one device inside the window, following
// pagination. The sequence stops at the first error, which is yielded once.
// Each call starts a fresh traversal from the first page.
func (c *Client) Records(ctx context.Context, apiURL string, w models.Window) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		current, err := c.firstPageURL(apiURL, w)
		if err != nil {
			yield(models.Record{}, err)
			return
		}

		visited := make(map[string]struct{})
		for pageNum := 0; current != nil; pageNum++ {
			if pageNum >= c.opts.MaxPages {
				yield(models.Record{}, fmt.Errorf("pagination exceeded %d pages for %s", c.opts.MaxPages, redact(current)))
				return
			}
			if _, loop := visited[current.String()]; loop {
				yield(models.Record{}, fmt.Errorf("pagination loop at %s", redact(current)))
				return
			}
			visited[current.String()] = struct{}{}

			p, err := c.fetchPage(ctx, current)
			if err != nil {
				yield(models.Record{}, err)
				return
			}

			older := false
			for _, rec := range p.records {
				if ts, ok := c.recordTime(rec); ok {
					if ts.Before(w.Start.Time()) {
						older = true
						continue
					}
					if ts.After(w.End) {
						continue
					}
				}
				if !yield(rec, nil) {
					return
				}
			}

			if older && c.opts.StopOnOlder {
				c.logger.Debug("stopping pagination at records older than window", "url", redact(current), "start", w.Start.String())
				return
			}

			current, err = p.nextURL(current)
			if err != nil {
				yield(models.Record{}, err)
				return
			}
		}
	}
}

// FetchAll drains Records into a slice.
func (c *Client) FetchAll(ctx context.Context, apiURL string, w models.Window) ([]models.Record, error) {
	out := make([]models.Record, 0)
	for rec, err := range c.Records(ctx, apiURL, w) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) recordTime(rec models.Record) (time.Time, bool) {
	v, ok := rec.Get(c.opts.DateField)
	if !ok {
		return time.Time{}, false
	}
	return models.ParseTimestamp(v)
}

func (c *Client) firstPageURL(apiURL string, w models.Window) (*url.URL, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api_url: %w", withoutURL(err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api_url %q: scheme must be http or https", redact(u))
	}

	q := u.Query()
	if c.opts.StartParam != "" {
		q.Set(c.opts.StartParam, w.Start.String())
	}
	if c.opts.EndParam != "" {
		q.Set(c.opts.EndParam, models.DateOf(w.End).String())
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// fetchPage performs one page request with bounded exponential backoff.
func (c *Client) fetchPage(ctx context.Context, pageURL *url.URL) (page, error) {
	var result page
	attempt := 0
	op := func() error {
		attempt++
		p, err := c.fetchOnce(ctx, pageURL)
		if err != nil {
			return err
		}
		result = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("page request failed, retrying",
			"url", redact(pageURL), "attempt", attempt, "max_attempts", c.opts.MaxAttempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return page{}, err
	}
	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context, pageURL *url.URL) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return page{}, backoff.Permanent(withoutURL(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return page{}, backoff.Permanent(ctx.Err())
		}
		return page{}, fmt.Errorf("request %s: %w", redact(pageURL), withoutURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: redact(pageURL)}
		if statusErr.Retryable() {
			return page{}, statusErr
		}
		return page{}, backoff.Permanent(statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return page{}, fmt.Errorf("read body from %s: %w", redact(pageURL), err)
	}

	p, err := decodePage(body)
	if err != nil {
		return page{}, backoff.Permanent(fmt.Errorf("decode page from %s: %w", redact(pageURL), err))
	}
	return p, nil
}

// redact drops the query string, which often carries API keys.
// withoutURL drops the *url.Error wrapper, whose message carries the full
// URL including its query string.
func withoutURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	clean.User = nil
	return clean.String()
}
