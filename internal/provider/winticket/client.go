// Package winticket provides the HTTP client for the primary keirin JSON
// API: monthly cup listings, cup details, race cards and odds.
//
// The API is public but rate limited. Calls are spaced by a token bucket
// limiter and retried on 429/5xx/network faults; other 4xx responses fail
// immediately.
package winticket

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
)

const defaultBaseURL = "https://api.winticket.jp/v1/keirin"

// retryAfterDefault is used when a 429 response carries no Retry-After.
const retryAfterDefault = 60 * time.Second

const userAgent = "keirin-ingest/1.0"

// Client is the HTTP client for all JSON API endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCount int
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewClient creates an API client. requestInterval is the minimum spacing
// between calls; retryCount bounds attempts per request.
func NewClient(baseURL string, requestInterval time.Duration, retryCount int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if requestInterval <= 0 {
		requestInterval = time.Second
	}
	if retryCount <= 0 {
		retryCount = 3
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Every(requestInterval), 1),
		retryCount: retryCount,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Month fetches the monthly listing containing the date. A month with no
// cups is a valid listing; only a response missing the month payload
// altogether is a shape violation.
func (c *Client) Month(ctx context.Context, date time.Time) (*Month, error) {
	params := url.Values{}
	params.Set("date", date.Format("20060102"))
	params.Set("fields", "month")
	params.Set("pfm", "web")

	var resp MonthResponse
	if err := c.getJSON(ctx, "/cups", params, &resp); err != nil {
		return nil, err
	}
	if resp.Month == nil {
		return nil, fmt.Errorf("monthly listing for %s carries no month payload", date.Format("200601"))
	}
	return resp.Month, nil
}

// CupDetail fetches a cup's schedules and races.
func (c *Client) CupDetail(ctx context.Context, cupID string) (*CupDetailResponse, error) {
	params := url.Values{}
	params.Set("fields", "cup,schedules,races")
	params.Set("pfm", "web")

	var resp CupDetailResponse
	if err := c.getJSON(ctx, "/cups/"+url.PathEscape(cupID), params, &resp); err != nil {
		return nil, err
	}
	if resp.Cup.ID == "" && len(resp.Schedules) == 0 && len(resp.Races) == 0 {
		return nil, fmt.Errorf("cup detail %s carries no cup, schedules or races", cupID)
	}
	return &resp, nil
}

// RaceCard fetches one race's players, entries, records and line prediction.
// At least one of players/entries/records must be present; a response with
// none is treated as a shape violation.
func (c *Client) RaceCard(ctx context.Context, cupID string, scheduleIndex, raceNumber int) (*RaceCardResponse, error) {
	params := url.Values{}
	params.Set("fields", "players,entries,records,linePrediction")
	params.Set("pfm", "web")

	path := fmt.Sprintf("/cups/%s/schedules/%d/races/%d",
		url.PathEscape(cupID), scheduleIndex, raceNumber)

	var resp RaceCardResponse
	if err := c.getJSON(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Players) == 0 && len(resp.Entries) == 0 && len(resp.Records) == 0 {
		return nil, fmt.Errorf("race card %s/%d/%d carries no players, entries or records",
			cupID, scheduleIndex, raceNumber)
	}
	return &resp, nil
}

// Odds fetches one race's odds across all bet types. An empty but
// well-formed response is returned as-is; the odds stage maps it to no_data.
func (c *Client) Odds(ctx context.Context, cupID string, scheduleIndex, raceNumber int) (*OddsResponse, error) {
	params := url.Values{}
	params.Set("pfm", "web")

	path := fmt.Sprintf("/cups/%s/schedules/%d/races/%d/odds",
		url.PathEscape(cupID), scheduleIndex, raceNumber)

	var resp OddsResponse
	if err := c.getJSON(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// getJSON performs a rate-limited GET with the retry ladder:
// 429 honours Retry-After (default 60s), 5xx and network faults sleep
// (attempt+1)·3s, other 4xx fail immediately. At most retryCount attempts.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.retryCount; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request %s: %w", path, err)
			c.logger.Warn("request failed", "path", path, "attempt", attempt+1, "error", err)
			if err := c.sleep(ctx, time.Duration(attempt+1)*3*time.Second); err != nil {
				return err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response body: %w", readErr)
			if err := c.sleep(ctx, time.Duration(attempt+1)*3*time.Second); err != nil {
				return err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			c.logger.Debug("api response", "path", path, "status", resp.StatusCode,
				"bytes", len(body), "content_type", resp.Header.Get("Content-Type"))
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfterDefault
			if v := resp.Header.Get("Retry-After"); v != "" {
				if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
					wait = time.Duration(secs) * time.Second
				}
			}
			lastErr = fmt.Errorf("%s returned 429", path)
			c.logger.Warn("rate limited by upstream", "path", path, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, truncate(body, 200))
			c.logger.Warn("server error", "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			if err := c.sleep(ctx, time.Duration(attempt+1)*3*time.Second); err != nil {
				return err
			}

		default:
			// Other 4xx: not retryable.
			return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, truncate(body, 200))
		}
	}
	return lastErr
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
