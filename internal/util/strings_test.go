package util

import (
	"reflect"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than limit", "abc", 8, "abc"},
		{"equal to limit", "abcdefgh", 8, "abcdefgh"},
		{"longer than limit", "abcdefghij", 8, "abcdefgh"},
		{"zero limit", "abc", 0, ""},
		{"negative limit", "abc", -1, ""},
		{"empty string", "", 8, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := NormalizeURL("https://auth.example.com/"); got != "https://auth.example.com" {
		t.Errorf("NormalizeURL() = %q", got)
	}
	if got := NormalizeURL("https://auth.example.com"); got != "https://auth.example.com" {
		t.Errorf("NormalizeURL() without slash = %q", got)
	}
}

func TestJoinScopes(t *testing.T) {
	if got := JoinScopes([]string{"profile", "email"}); got != "profile email" {
		t.Errorf("JoinScopes() = %q", got)
	}
	if got := JoinScopes(nil); got != "" {
		t.Errorf("JoinScopes(nil) = %q", got)
	}
}

func TestSplitScopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"two scopes", "profile email", []string{"profile", "email"}},
		{"repeated spaces", "profile   email", []string{"profile", "email"}},
		{"leading and trailing spaces", "  profile email  ", []string{"profile", "email"}},
		{"single scope", "profile", []string{"profile"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitScopes(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitScopes(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
