package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativeTimeToDate(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	valid := []struct {
		text     string
		expected time.Time
	}{
		{"in 1 day", now.Add(24 * time.Hour)},
		{"2 hours ago", now.Add(-2 * time.Hour)},
		{"now", now},
		{"In 2 Weeks 3 days", now.Add(17 * 24 * time.Hour)},
		{"in 1 year", now.Add(365 * 24 * time.Hour)},
		{"30 secs 5 mins ago", now.Add(-330 * time.Second)},
	}
	for _, tt := range valid {
		t.Run(tt.text, func(t *testing.T) {
			got, err := RelativeTimeToDate(tt.text, now)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	invalid := []string{
		"1 day",
		"in 1 day ago",
		"in 1.5 days",
		"in 1 fortnight",
		"in 1",
		"in day 1",
		"in 99999999999 years",
		"in 200 years 200 years",
		"9223372036854775807 secs ago",
	}
	for _, text := range invalid {
		t.Run(text, func(t *testing.T) {
			_, err := RelativeTimeToDate(text, now)
			assert.Error(t, err)
		})
	}
}
