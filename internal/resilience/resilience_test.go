package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped transient", eris.Wrap(Transient(errors.New("503"), 503), "oracle"), true},
		{"connection reset text", errors.New("read: connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
	assert.Nil(t, Transient(nil, 500))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	assert.True(t, IsTransientHTTPStatus(429))
	assert.True(t, IsTransientHTTPStatus(503))
	assert.False(t, IsTransientHTTPStatus(400))
	assert.False(t, IsTransientHTTPStatus(200))
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker("oracle", 2, time.Minute)
	b.now = func() time.Time { return now }

	fail := func(context.Context) (int, error) { return 0, Transient(errors.New("down"), 503) }
	ok := func(context.Context) (int, error) { return 1, nil }

	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Closed, b.State())
	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Open, b.State())

	_, err := Call(context.Background(), b, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBreakerOpen))

	now = now.Add(time.Minute)
	assert.Equal(t, HalfOpen, b.State())
	v, err := Call(context.Background(), b, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker("oracle", 1, time.Second)
	b.now = func() time.Time { return now }

	fail := func(context.Context) (int, error) { return 0, Transient(errors.New("down"), 0) }
	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Open, b.State())

	now = now.Add(time.Second)
	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_IgnoresNonTransient(t *testing.T) {
	b := NewBreaker("oracle", 1, time.Minute)
	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		return 0, errors.New("malformed reply")
	})
	require.Error(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestRetry(t *testing.T) {
	fast := Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		v, err := Retry(context.Background(), fast, "test", func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", Transient(errors.New("busy"), 429)
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fast, "test", func(context.Context) (string, error) {
			calls++
			return "", errors.New("bad input")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fast, "test", func(context.Context) (string, error) {
			calls++
			return "", Transient(errors.New("busy"), 503)
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("context cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := Backoff{Attempts: 3, Initial: time.Hour, Max: time.Hour}
		_, err := Retry(ctx, slow, "test", func(context.Context) (string, error) {
			cancel()
			return "", Transient(errors.New("busy"), 503)
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}
