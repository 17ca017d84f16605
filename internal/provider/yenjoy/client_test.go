package yenjoy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

func TestResultURL(t *testing.T) {
	c := NewClient("https://example.test", 3, nil)
	cupStart := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	raceDate := time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)

	got := c.ResultURL(cupStart, "5", raceDate, 7)
	assert.Equal(t,
		"https://example.test/kaisai/race/result/detail/202401/05/20240110/20240112/7",
		got)
}

func TestGetHTMLDecodesShiftJIS(t *testing.T) {
	// 西岡 encoded as Shift_JIS is not valid UTF-8.
	sjis, _, err := transform.Bytes(japanese.ShiftJIS.NewEncoder(), []byte("<html>西岡 拓朗</html>"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html") // no charset declared
		w.Write(sjis)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 3, nil)
	res := c.GetHTML(context.Background(), srv.URL+"/page")
	require.True(t, res.Success, "err=%v", res.Err)
	assert.Contains(t, res.Content, "西岡 拓朗")
}

func TestGetHTMLUsesDeclaredCharset(t *testing.T) {
	eucjp, _, err := transform.Bytes(japanese.EUCJP.NewEncoder(), []byte("周回"))
	require.NoError(t, err)

	got, err := DecodeBody(eucjp, "text/html; charset=EUC-JP")
	require.NoError(t, err)
	assert.Equal(t, "周回", got)
}

func TestDecodeBodyPassesThroughUTF8(t *testing.T) {
	got, err := DecodeBody([]byte("打鐘"), "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "打鐘", got)
}

func TestGetHTMLRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 3, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	res := c.GetHTML(context.Background(), srv.URL+"/page")
	assert.True(t, res.Success)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGetHTMLHonoursRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 3, nil)
	var waited time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waited += d
		return nil
	}

	res := c.GetHTML(context.Background(), srv.URL+"/page")
	assert.True(t, res.Success)
	assert.Equal(t, 7*time.Second, waited)
}

func TestGetHTMLRetryAfterNonIntegerFallsBack(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1.5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 3, nil)
	var waited time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waited += d
		return nil
	}

	res := c.GetHTML(context.Background(), srv.URL+"/page")
	assert.True(t, res.Success)
	assert.Equal(t, retryAfterDefault, waited, "unparseable Retry-After uses the default wait")
}

func TestGetHTMLDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 3, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	res := c.GetHTML(context.Background(), srv.URL+"/page")
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
