package client

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	backoff := Backoff{Base: time.Second, Max: 10 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 60, want: 10 * time.Second},
		{attempt: math.MaxInt32, want: 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoff.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffDefaults(t *testing.T) {
	var backoff Backoff
	assert.Equal(t, defaultBaseDelay, backoff.Delay(1))
	assert.Equal(t, defaultMaxDelay, backoff.Delay(100))

	inverted := Backoff{Base: 5 * time.Second, Max: time.Second}
	assert.Equal(t, 5*time.Second, inverted.Delay(3))
}
