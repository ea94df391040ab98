package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	tests := map[string]string{
		"":                                  "",
		"deploy":                            "deploy",
		"root\nInvalid user admin":          "root Invalid user admin",
		"Line1\r\nLine2\nLine3\x00\x01\x7F": "Line1 Line2 Line3 ",
		"svc\taccount":                      "svc account",
		"\x00\x01\x02\x1F\x7F":              " ",
		"user\x1b[31mred":                   "user [31mred",
	}
	for input, want := range tests {
		assert.Equal(t, want, SanitizeForLog(input), "%q", input)
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "203.0.113.5", want: "203.0.113.5", ok: true},
		{input: " 203.0.113.5 ", want: "203.0.113.5", ok: true},
		{input: "::ffff:203.0.113.5", want: "203.0.113.5", ok: true},
		{input: "2001:DB8::1", want: "2001:db8::1", ok: true},
		{input: "203.0.113", ok: false},
		{input: "example.com", ok: false},
		{input: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := NormalizeIP(tt.input)
		assert.Equal(t, tt.ok, ok, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestNormalizeHostAddress(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{input: "203.0.113.5/32", want: "203.0.113.5", ok: true},
		{input: "2001:DB8:0:0::1", want: "2001:db8::1", ok: true},
		{input: "2001:db8::1/128", want: "2001:db8::1", ok: true},
		{input: " 198.51.100.7 ", want: "198.51.100.7", ok: true},
		{input: "203.0.113.0/24", ok: false},
		{input: "2001:db8::/64", ok: false},
		{input: "203.0.113.5/33", ok: false},
		{input: "any", ok: false},
	}
	for _, tt := range tests {
		got, ok := NormalizeHostAddress(tt.input)
		assert.Equal(t, tt.ok, ok, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}
