package sqlutil

import "testing"

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"users", "`users`"},
		{"user_data", "`user_data`"},
		{"select", "`select`"},         // reserved word
		{"first name", "`first name`"}, // space in name
		{"user`data", "`user``data`"},  // backtick in name
		{"a`b`c", "`a``b``c`"},         // multiple backticks
		{"", "``"},                     // empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := QuoteIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestQuoteANSIIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"games", `"games"`},
		{"order", `"order"`},
		{`we"ird`, `"we""ird"`},
		{"gameId", `"gameId"`},
		{"", `""`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := QuoteANSIIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("QuoteANSIIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
