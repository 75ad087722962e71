package stringutil

import (
	"strings"
	"testing"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{name: "shorter than max", input: "abc", maxLen: 10, expected: "abc"},
		{name: "equal to max", input: "abcde", maxLen: 5, expected: "abcde"},
		{name: "longer than max", input: "abcdefgh", maxLen: 5, expected: "abcde"},
		{name: "empty", input: "", maxLen: 5, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, expected %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{name: "shorter than max", input: "abc", maxLen: 10, expected: "abc"},
		{name: "longer than max", input: "abcdefgh", maxLen: 6, expected: "abc..."},
		{name: "tiny max falls back to plain truncation", input: "abcdefgh", maxLen: 3, expected: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateStringWithEllipsis(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateStringWithEllipsis(%q, %d) = %q, expected %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "clean key unchanged", input: "workspace-1.prod_A", expected: "workspace-1.prod_A"},
		{name: "empty becomes default", input: "", expected: "default"},
		{name: "spaces replaced", input: "my workspace", expected: "my_workspace"},
		{name: "path separators replaced", input: "../../etc/passwd", expected: ".._.._etc_passwd"},
		{name: "shell metacharacters replaced", input: "ws;rm -rf $(x)", expected: "ws_rm_-rf___x_"},
		{name: "unicode replaced", input: "wörkspace", expected: "w__rkspace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeKey(tt.input); got != tt.expected {
				t.Errorf("SanitizeKey(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeKeyTruncates(t *testing.T) {
	long := strings.Repeat("a", 250)
	got := SanitizeKey(long)
	if len(got) != 100 {
		t.Errorf("SanitizeKey on long input returned %d chars, expected 100", len(got))
	}
}

func TestSanitizeKeyIdempotent(t *testing.T) {
	inputs := []string{"", "simple", "has spaces", "../../x", strings.Repeat("ü", 300), "MIXED.case_1-2"}
	for _, in := range inputs {
		once := SanitizeKey(in)
		twice := SanitizeKey(once)
		if once != twice {
			t.Errorf("SanitizeKey not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestSanitizeKeyCharset(t *testing.T) {
	inputs := []string{"a b;c|d&e", "日本語", "tab\tnewline\n", "quote\"tick'"}
	for _, in := range inputs {
		got := SanitizeKey(in)
		if got == "" {
			t.Errorf("SanitizeKey(%q) returned empty string", in)
		}
		for _, c := range got {
			valid := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
				(c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-'
			if !valid {
				t.Errorf("SanitizeKey(%q) produced invalid character %q in %q", in, c, got)
			}
		}
	}
}
