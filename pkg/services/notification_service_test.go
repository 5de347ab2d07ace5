package services

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompletionSuppressed(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		watermark  time.Time
		suppressed bool
	}{
		{"polled just now", now.Add(-1 * time.Second), true},
		{"polled 9.9s ago", now.Add(-9900 * time.Millisecond), true},
		{"polled exactly 10s ago", now.Add(-10 * time.Second), false},
		{"polled a minute ago", now.Add(-time.Minute), false},
		{"watermark in the future", now.Add(time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.suppressed, completionSuppressed(tt.watermark, now))
		})
	}
}

func TestExcerpt(t *testing.T) {
	t.Run("short content is unchanged", func(t *testing.T) {
		assert.Equal(t, "done", excerpt("done"))
	})

	t.Run("long content is cut at the limit", func(t *testing.T) {
		long := strings.Repeat("a", 500)
		got := excerpt(long)
		assert.Len(t, got, notificationBodyLimit)
	})

	t.Run("multibyte content is cut on rune boundaries", func(t *testing.T) {
		long := strings.Repeat("ü", 300)
		got := excerpt(long)
		assert.Equal(t, notificationBodyLimit, len([]rune(got)))
	})
}

func TestNotificationTitle(t *testing.T) {
	assert.Equal(t, "Q3 research", notificationTitle("Q3 research"))
	assert.Equal(t, "Untitled thread", notificationTitle(""))
}
