package parse

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL_NilInput(t *testing.T) {
	assert.Equal(t, "", NormalizeURL(nil))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase scheme and host", "HTTPS://Example.COM/Docs", "https://example.com/Docs"},
		{"default https port", "https://example.com:443/a", "https://example.com/a"},
		{"default http port", "http://example.com:80/a", "http://example.com/a"},
		{"non-default port kept", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"empty path", "https://example.com", "https://example.com/"},
		{"trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"root slash kept", "https://example.com/", "https://example.com/"},
		{"fragment removed", "https://example.com/a#section", "https://example.com/a"},
		{"query sorted", "https://example.com/s?b=2&a=1", "https://example.com/s?a=1&b=2"},
		{"empty query dropped", "https://example.com/s?", "https://example.com/s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := url.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, NormalizeURL(parsed))
		})
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	parsed, err := url.Parse("HTTPS://Example.com:443/a/?z=1#frag")
	require.NoError(t, err)
	before := parsed.String()
	_ = NormalizeURL(parsed)
	assert.Equal(t, before, parsed.String())
}

func TestParseAndNormalize(t *testing.T) {
	norm, parsed, err := ParseAndNormalize("https://Example.com/a/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", norm)
	assert.Equal(t, "Example.com", parsed.Host)

	_, _, err = ParseAndNormalize("not a url")
	assert.Error(t, err)
}

func TestDedupKey(t *testing.T) {
	assert.Equal(t, DedupKey("https://example.com/a/"), DedupKey(" https://EXAMPLE.com/a#x "))
	assert.Equal(t, "relative/path", DedupKey("relative/path"))
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.com", Domain("https://Example.com:8443/x"))
	assert.Equal(t, "", Domain("://bad"))
	assert.Equal(t, "", Domain("/just/a/path"))
}

func TestResolveLink(t *testing.T) {
	base, err := url.Parse("https://example.com/docs/intro")
	require.NoError(t, err)

	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{"guide", "https://example.com/docs/guide", true},
		{"/api", "https://example.com/api", true},
		{"https://other.org/x#top", "https://other.org/x", true},
		{"#anchor", "", false},
		{"", "", false},
		{"mailto:me@example.com", "", false},
		{"javascript:void(0)", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.href, func(t *testing.T) {
			got, ok := ResolveLink(base, tt.href)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
