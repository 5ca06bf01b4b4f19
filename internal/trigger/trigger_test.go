package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntervalValid(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":   30 * time.Second,
		"5m30s": 5*time.Minute + 30*time.Second,
		"1h":    time.Hour,
		"2d12h": 2*24*time.Hour + 12*time.Hour,
		"1w":    7 * 24 * time.Hour,
	}

	for spec, want := range cases {
		got, err := ParseInterval(spec)
		require.NoError(t, err, spec)
		assert.Equal(t, want, got, spec)
	}
}

func TestParseIntervalInvalid(t *testing.T) {
	cases := []string{"", "bogus", "30x", "1h1h", "h1"}

	for _, spec := range cases {
		_, err := ParseInterval(spec)
		assert.Error(t, err, spec)
	}
}

func TestParseCronValidAndInvalid(t *testing.T) {
	_, err := ParseCron("*/5 * * * *")
	require.NoError(t, err)

	_, err = ParseCron("0 */5 * * * *")
	require.NoError(t, err)

	_, err = ParseCron("not a cron spec")
	assert.Error(t, err)
}

func TestSchedulerOverlapGuardDropsConcurrentFirings(t *testing.T) {
	s := New()
	t.Cleanup(s.Shutdown)

	var (
		running int32
		fires   int32
	)

	id := s.AddInterval(5*time.Millisecond, func(ctx context.Context) {
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			t.Fatal("fn should never be invoked concurrently with itself")
		}
		atomic.AddInt32(&fires, 1)
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&running, 0)
	})

	time.Sleep(80 * time.Millisecond)
	s.Remove(id)

	assert.Equal(t, 0, s.Len())
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&fires)), 1)
}

func TestLenTracksRegisteredTriggers(t *testing.T) {
	s := New()
	t.Cleanup(s.Shutdown)

	assert.Equal(t, 0, s.Len())

	id := s.AddInterval(time.Hour, func(context.Context) {})
	assert.Equal(t, 1, s.Len())

	s.Remove(id)
	assert.Equal(t, 0, s.Len())
}
