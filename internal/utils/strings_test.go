package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single symbol",
			input:    "AAPL",
			expected: []string{"AAPL"},
		},
		{
			name:     "two symbols",
			input:    "AAPL, MSFT",
			expected: []string{"AAPL", "MSFT"},
		},
		{
			name:     "varied spacing",
			input:    "AAPL,  MSFT , NVDA",
			expected: []string{"AAPL", "MSFT", "NVDA"},
		},
		{
			name:     "no spaces after comma",
			input:    "JPM,XOM",
			expected: []string{"JPM", "XOM"},
		},
		{
			name:     "trailing comma",
			input:    "AAPL,",
			expected: []string{"AAPL"},
		},
		{
			name:     "leading comma",
			input:    ",MSFT",
			expected: []string{"MSFT"},
		},
		{
			name:     "only spaces",
			input:    "   ",
			expected: nil,
		},
		{
			name:     "comma only",
			input:    ",",
			expected: nil,
		},
		{
			name:     "multiple commas",
			input:    ",,AAPL,,MSFT,,",
			expected: []string{"AAPL", "MSFT"},
		},
		{
			name:     "internal spaces preserved",
			input:    "BRK B, AAPL",
			expected: []string{"BRK B", "AAPL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCSV(tt.input))
		})
	}
}

func TestParseCSV_Idempotent(t *testing.T) {
	first := ParseCSV("AAPL")
	assert.Equal(t, []string{"AAPL"}, first)
	assert.Equal(t, first, ParseCSV(first[0]))
}
