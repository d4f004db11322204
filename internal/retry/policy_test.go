package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/url-archiver/internal/archive"
)

func TestPolicyScheduleThenGivesUp(t *testing.T) {
	t.Parallel()

	p := NewPolicy(nil)
	err := &archive.NetworkError{URL: "https://a.test", StatusCode: 503}

	var delays []time.Duration
	attempt := 0
	for p.ShouldRetry(err, attempt) {
		delays = append(delays, p.Backoff(attempt))
		attempt++
	}
	require.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute}, delays)
	require.Equal(t, 3, p.MaxRetries())
}

func TestPolicySkipsNonRetryable(t *testing.T) {
	t.Parallel()

	p := NewPolicy(nil)
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(&archive.ParseError{Stage: "readability", Err: errors.New("x")}, 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.True(t, p.ShouldRetry(&archive.StorageError{Op: "write", Err: errors.New("eio")}, 2))
}

func TestFromSecondsAndBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewPolicy(FromSeconds([]int{1, -5}))
	require.Equal(t, time.Second, p.Backoff(-1))
	require.Equal(t, time.Duration(0), p.Backoff(1))
	require.Equal(t, time.Duration(0), p.Backoff(9))
}
