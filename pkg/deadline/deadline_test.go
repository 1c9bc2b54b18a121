package deadline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/peridot.go/pkg/link"
)

func TestRetry(t *testing.T) {
	transient := errors.New("transient")
	testCases := []struct {
		name     string
		results  []error
		timeout  time.Duration
		check    func(*testing.T, error)
		attempts int
	}{
		{
			name:     "succeeds after retries",
			results:  []error{ErrRetry, transient, nil},
			timeout:  time.Second,
			check:    func(t *testing.T, err error) { require.NoError(t, err) },
			attempts: 3,
		},
		{
			name:    "connection error stops",
			results: []error{link.ErrNotConnected},
			timeout: time.Second,
			check: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, link.ErrNotConnected))
			},
			attempts: 1,
		},
		{
			name:    "expires",
			timeout: 30 * time.Millisecond,
			check: func(t *testing.T, err error) {
				var te *link.TimeoutError
				require.True(t, errors.As(err, &te))
				require.Equal(t, "wait", te.Op)
				require.Equal(t, transient, te.Err)
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var attempts int
			err := New(tc.timeout).Retry(context.Background(), "wait", time.Millisecond, func(context.Context) error {
				attempts++
				if len(tc.results) == 0 {
					return transient
				}
				err := tc.results[0]
				tc.results = tc.results[1:]
				return err
			})
			tc.check(t, err)
			if tc.attempts > 0 {
				require.Equal(t, tc.attempts, attempts)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	d := New(time.Hour)
	require.False(t, d.Expired())
	require.True(t, d.Remaining() > 59*time.Minute)
	require.True(t, New(-time.Second).Expired())
	require.Equal(t, time.Duration(0), New(-time.Second).Remaining())
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(time.Second).Retry(ctx, "wait", 10*time.Millisecond, func(context.Context) error {
		return ErrRetry
	})
	require.Equal(t, context.Canceled, err)
}
