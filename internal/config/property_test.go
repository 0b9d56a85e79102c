package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"0", 0},
		{"512", 512},
		{"512b", 512},
		{"4k", 4096},
		{"4kb", 4096},
		{"2m", 2 * 1024 * 1024},
		{"2MB", 2 * 1024 * 1024},
		{"1g", 1024 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{" 8K ", 8192},
	}

	for _, tt := range tests {
		got, err := ParseBytes(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseBytes_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "12x", "k"} {
		_, err := ParseBytes(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		unit TimeUnit
		want int64
	}{
		{"30", TimeUnitSecond, 30},
		{"30s", TimeUnitSecond, 30},
		{"30sec", TimeUnitSecond, 30},
		{"5min", TimeUnitSecond, 300},
		{"2h", TimeUnitMinute, 120},
		{"1d", TimeUnitHour, 24},
		{"1w", TimeUnitDay, 7},
		{"1500ms", TimeUnitSecond, 1},
		{"2s", TimeUnitMillisecond, 2000},
	}

	for _, tt := range tests {
		got, err := ParseTime(tt.in, tt.unit)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseTime_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "5parsec"} {
		_, err := ParseTime(in, TimeUnitSecond)
		assert.Error(t, err, "input %q", in)
	}
}
