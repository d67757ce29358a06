package jobqueue

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestViewOf(t *testing.T) {
	tests := []struct {
		state  State
		status string
		code   int
	}{
		{StateWaiting, "pending", http.StatusAccepted},
		{StateActive, "processing", http.StatusAccepted},
		{StateCompleted, "completed", http.StatusOK},
		{StateFailed, "failed", http.StatusInternalServerError},
		{StateDelayed, "scheduled", http.StatusAccepted},
		{StatePaused, "paused", http.StatusAccepted},
		{State("bogus"), "unknown", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			status, code := ViewOf(tt.state)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		base     time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{0, 2 * time.Second, 0, 0},
		{1, 2 * time.Second, 0, 2 * time.Second},
		{2, 2 * time.Second, 0, 4 * time.Second},
		{3, 2 * time.Second, 0, 8 * time.Second},
		{4, 2 * time.Second, 10 * time.Second, 10 * time.Second},
		{1, 0, 10 * time.Second, 0},
	}
	for _, tt := range tests {
		j := &Job{Attempts: tt.attempts, BackoffBase: tt.base, MaxBackoff: tt.max}
		assert.Equal(t, tt.want, j.Backoff(), "attempts=%d", tt.attempts)
	}
}
