package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericToMinorUnits_Success(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"whole units", "100", 10000},
		{"units with cents", "42.50", 4250},
		{"cents only", "0.99", 99},
		{"zero", "0.00", 0},
		{"single decimal", "5.5", 550},
		{"leading dot", ".07", 7},
		{"with whitespace", "  50.25  ", 5025},
		{"negative amount", "-10.50", -1050},
		{"large amount", "999999999999.99", 99999999999999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := numericToMinorUnits(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestNumericToMinorUnits_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"invalid format", "abc"},
		{"currency symbol", "€100.00"},
		{"multiple decimals", "10.5.5"},
		{"sub-cent precision", "5.555"},
		{"double sign", "--1.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := numericToMinorUnits(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestMinorUnitsToNumeric(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{4250, "42.50"},
		{99, "0.99"},
		{0, "0.00"},
		{1, "0.01"},
		{-99, "-0.99"},
		{-1050, "-10.50"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, minorUnitsToNumeric(tt.input))
		})
	}
}

func TestMinorUnits_RoundTrip(t *testing.T) {
	for _, original := range []int64{0, 1, 10, 679, 3571, 4250, 999999, -12345} {
		back, err := numericToMinorUnits(minorUnitsToNumeric(original))
		require.NoError(t, err)
		assert.Equal(t, original, back)
	}
}
