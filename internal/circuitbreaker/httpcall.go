package circuitbreaker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxResponseBytes bounds how much of an upstream response is buffered.
const maxResponseBytes = 32 << 20

// StatusError is a non-2xx upstream response. It counts as a breaker failure.
type StatusError struct {
	Dependency string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream returned status %d", e.Dependency, e.StatusCode)
}

// Response is a fully read upstream response. The body is read inside the
// attempt so the per-attempt deadline covers it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DoHTTP sends the request built by build through the breaker. build is
// called once per attempt so request bodies can be replayed.
func DoHTTP(ctx context.Context, b *Breaker, client *http.Client, build func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	return Execute(ctx, b, func(ctx context.Context) (*Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return nil, &StatusError{
				Dependency: b.Name(),
				StatusCode: resp.StatusCode,
				RetryAfter: ParseRetryAfter(resp.Header, time.Now()),
			}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	})
}

// ParseRetryAfter reads Retry-After (seconds or HTTP date), falling back to
// X-RateLimit-Reset (epoch seconds or milliseconds). The result is capped at
// MaxRetryAfter; zero means no hint.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	var d time.Duration

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			d = time.Duration(secs * float64(time.Second))
		} else if t, err := http.ParseTime(v); err == nil {
			d = t.Sub(now)
		}
	}

	if d <= 0 {
		if v := h.Get("X-RateLimit-Reset"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				var reset time.Time
				if n < 2e10 {
					reset = time.Unix(n, 0)
				} else {
					reset = time.UnixMilli(n)
				}
				d = reset.Sub(now)
			}
		}
	}

	if d <= 0 {
		return 0
	}
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}
