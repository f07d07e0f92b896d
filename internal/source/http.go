package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpClient wraps a doer with rate limiting and bounded retry. Rate-limit
// responses (429) and server errors are retried with a flat backoff; anything
// else surfaces immediately.
type httpClient struct {
	hc          httpDoer
	limiter     Limiter
	maxRetries  int
	backoffBase time.Duration
}

func newHTTPClient(hc httpDoer, limiter Limiter) *httpClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if limiter == nil {
		limiter = nopLimiter{}
	}
	return &httpClient{
		hc:          hc,
		limiter:     limiter,
		maxRetries:  3,
		backoffBase: 250 * time.Millisecond,
	}
}

func (c *httpClient) getJSON(ctx context.Context, url string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoffBase * time.Duration(attempt)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("http %d from %s", resp.StatusCode, url)
			continue
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("http %d from %s", resp.StatusCode, url)
		case readErr != nil:
			return readErr
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", url, err)
		}
		return nil
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}
