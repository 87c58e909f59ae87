package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstant(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Brussels")
	require.NoError(t, err)

	got, err := parseInstant("2025-03-04T08:30:00", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 7, 30, 0, 0, time.UTC), got.UTC())

	got, err = parseInstant("2025-03-04T08:30:00Z", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 8, 30, 0, 0, time.UTC), got.UTC())

	_, err = parseInstant("yesterday", loc)
	assert.Error(t, err)
}

func TestParseDay(t *testing.T) {
	for _, in := range []string{"2025-03-04", "20250304"} {
		got, err := parseDay(in, time.UTC)
		require.NoError(t, err, in)
		assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), got)
	}
	_, err := parseDay("04.03.2025", time.UTC)
	assert.Error(t, err)
}
