// Package yenjoy provides the HTTP client for the secondary HTML-scraped
// source serving race result pages. Pages are published in whatever charset
// the CMS felt like that day, so decoding tries UTF-8, the declared charset,
// Shift_JIS and EUC-JP in that order.
package yenjoy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

const defaultBaseURL = "https://www.yen-joy.net"

// retryAfterDefault is used when a 429 response carries no parseable
// Retry-After. Only whole-second values are honoured, matching the JSON
// client.
const retryAfterDefault = 60 * time.Second

const userAgent = "keirin-ingest/1.0"

// FetchResult is the outcome of one result-page fetch. Success is false on
// exhausted retries or non-retryable status codes.
type FetchResult struct {
	Success    bool
	Content    string
	StatusCode int
	Err        error
}

// Client fetches race result pages.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retryCount int
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewClient creates an HTML source client.
func NewClient(baseURL string, retryCount int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if retryCount <= 0 {
		retryCount = 3
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		retryCount: retryCount,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// ResultURL builds the result-page URL for one race:
// {base}/kaisai/race/result/detail/{YYYYMM}/{venue:02}/{cup start:YYYYMMDD}/{race date:YYYYMMDD}/{race number}
func (c *Client) ResultURL(cupStart time.Time, venueID string, raceDate time.Time, raceNumber int) string {
	if len(venueID) < 2 {
		venueID = strings.Repeat("0", 2-len(venueID)) + venueID
	}
	return fmt.Sprintf("%s/kaisai/race/result/detail/%s/%s/%s/%s/%d",
		c.baseURL,
		cupStart.Format("200601"),
		venueID,
		cupStart.Format("20060102"),
		raceDate.Format("20060102"),
		raceNumber)
}

// GetHTML fetches url and returns the decoded page text. The retry ladder
// matches the JSON client: 429 honours Retry-After, 5xx and network faults
// sleep (attempt+1)·3s, other 4xx fail immediately.
func (c *Client) GetHTML(ctx context.Context, url string) FetchResult {
	var last FetchResult
	for attempt := 0; attempt < c.retryCount; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return FetchResult{Err: fmt.Errorf("create request: %w", err)}
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			last = FetchResult{Err: fmt.Errorf("http request: %w", err)}
			c.logger.Warn("html fetch failed", "url", url, "attempt", attempt+1, "error", err)
			if err := c.sleep(ctx, time.Duration(attempt+1)*3*time.Second); err != nil {
				last.Err = err
				return last
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			last = FetchResult{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", readErr)}
			if err := c.sleep(ctx, time.Duration(attempt+1)*3*time.Second); err != nil {
				last.Err = err
				return last
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			text, decErr := DecodeBody(body, resp.Header.Get("Content-Type"))
			if decErr != nil {
				return FetchResult{StatusCode: resp.StatusCode, Err: decErr}
			}
			c.logger.Debug("html response", "url", url, "bytes", len(body))
			return FetchResult{Success: true, Content: text, StatusCode: resp.StatusCode}

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfterDefault
			if v := resp.Header.Get("Retry-After"); v != "" {
				if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
					wait = time.Duration(secs) * time.Second
				}
			}
			last = FetchResult{StatusCode: resp.StatusCode, Err: fmt.Errorf("html source returned 429")}
			if err := c.sleep(ctx, wait); err != nil {
				last.Err = err
				return last
			}

		case resp.StatusCode >= 500:
			last = FetchResult{StatusCode: resp.StatusCode,
				Err: fmt.Errorf("html source returned %d", resp.StatusCode)}
			if err := c.sleep(ctx, time.Duration(attempt+1)*3*time.Second); err != nil {
				last.Err = err
				return last
			}

		default:
			return FetchResult{StatusCode: resp.StatusCode,
				Err: fmt.Errorf("html source returned %d", resp.StatusCode)}
		}
	}
	return last
}

// DecodeBody converts a response body to UTF-8 text. Tries valid UTF-8
// first, then the charset declared in the Content-Type header, then
// Shift_JIS, then EUC-JP. First decoding that produces no replacement
// characters wins.
func DecodeBody(body []byte, contentType string) (string, error) {
	if utf8.Valid(body) {
		return string(body), nil
	}

	if name := declaredCharset(contentType); name != "" {
		if enc, err := htmlindex.Get(name); err == nil {
			if s, err := decodeStrict(enc, body); err == nil {
				return s, nil
			}
		}
	}

	for _, enc := range []encoding.Encoding{japanese.ShiftJIS, japanese.EUCJP} {
		if s, err := decodeStrict(enc, body); err == nil {
			return s, nil
		}
	}
	return "", fmt.Errorf("response body is not UTF-8, %s, Shift_JIS or EUC-JP",
		declaredCharset(contentType))
}

func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		return params["charset"]
	}
	return ""
}

// decodeStrict decodes and rejects outputs containing U+FFFD, which the
// x/text decoders substitute for byte sequences invalid in the encoding.
func decodeStrict(enc encoding.Encoding, body []byte) (string, error) {
	out, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return "", err
	}
	if strings.ContainsRune(string(out), utf8.RuneError) {
		return "", fmt.Errorf("invalid byte sequence for encoding")
	}
	return string(out), nil
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
