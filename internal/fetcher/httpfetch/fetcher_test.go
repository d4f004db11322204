package httpfetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

func TestFetchStreamsBodyWithUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>ok</html>")
	}))
	defer srv.Close()

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", string(body))
	require.Equal(t, "text/html", resp.ContentType())
	require.Equal(t, DefaultUserAgent, gotUA)
}

func TestFetchNon2xxIsNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), srv.URL)
	var netErr *archive.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusInternalServerError, netErr.StatusCode)
}

func TestFetchConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{ConnectTimeout: time.Second}).Fetch(context.Background(), addr)
	var netErr *archive.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Zero(t, netErr.StatusCode)
}

func TestFetchIdleReadTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{ReadTimeout: 100 * time.Millisecond})
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	var netErr *archive.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Contains(t, err.Error(), "read timeout")
}

type stubWaiter struct{ err error }

func (s stubWaiter) Wait(context.Context, string) error { return s.err }

func TestFetchLimiterError(t *testing.T) {
	t.Parallel()

	f := New(Config{Limiter: stubWaiter{err: errors.New("limited")}})
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1")
	var netErr *archive.NetworkError
	require.ErrorAs(t, err, &netErr)
}
