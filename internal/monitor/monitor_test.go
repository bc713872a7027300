package monitor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElapsedExceeds(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		now   time.Time
		limit time.Duration
		want  bool
	}{
		{"under", start.Add(time.Second), 2 * time.Second, false},
		{"equal", start.Add(2 * time.Second), 2 * time.Second, false},
		{"over", start.Add(3 * time.Second), 2 * time.Second, true},
		{"no limit", start.Add(time.Hour), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ElapsedExceeds(start, tt.limit, tt.now))
		})
	}
}

func TestRSS_Self(t *testing.T) {
	rss, err := RSS(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
}

func TestMemoryDeltaExceeds(t *testing.T) {
	pid := os.Getpid()
	rss, err := RSS(pid)
	require.NoError(t, err)

	over, delta, err := MemoryDeltaExceeds(pid, 0, 1)
	require.NoError(t, err)
	assert.True(t, over)
	assert.Greater(t, delta, int64(0))

	over, _, err = MemoryDeltaExceeds(pid, rss, 1<<40)
	require.NoError(t, err)
	assert.False(t, over)

	over, _, err = MemoryDeltaExceeds(pid, 0, 0)
	require.NoError(t, err)
	assert.False(t, over, "zero limit never trips")
}

func TestRSS_MissingProcess(t *testing.T) {
	_, err := RSS(1 << 30)
	assert.Error(t, err)
}
