package interceptor

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor_Headers(t *testing.T) {
	r := NewRedactor("X-Custom-Secret")

	h := http.Header{
		"Authorization":             {"Bearer abc"},
		"Ocp-Apim-Subscription-Key": {"key"},
		"X-Custom-Secret":           {"hidden"},
		"Content-Type":              {"application/json"},
	}

	filtered := r.Headers(h)

	assert.Equal(t, http.Header{"Content-Type": {"application/json"}}, filtered)
	assert.Len(t, h, 4, "input headers are untouched")
}

func TestRedactor_HeadersNonCanonicalKeys(t *testing.T) {
	r := NewRedactor()

	h := http.Header{"authorization": {"Bearer abc"}, "accept": {"*/*"}}

	assert.Equal(t, http.Header{"accept": {"*/*"}}, r.Headers(h))
}

func TestRedactor_Body(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name     string
		body     string
		limit    int
		expected string
	}{
		{
			name:     "json token response",
			body:     `{"access_token": "abc.def", "expires_in": 300}`,
			expected: `{"access_token":"[REDACTED]", "expires_in": 300}`,
		},
		{
			name:     "form token request",
			body:     "grant_type=client_credentials&client_secret=s3cr3t&scope=read",
			expected: "grant_type=client_credentials&client_secret=[REDACTED]&scope=read",
		},
		{
			name:     "form field first",
			body:     "client_secret=s3cr3t",
			expected: "client_secret=[REDACTED]",
		},
		{
			name:     "plain body untouched",
			body:     `{"amount":10}`,
			expected: `{"amount":10}`,
		},
		{
			name:     "masked before truncation",
			body:     `{"refresh_token":"0123456789abcdef"}`,
			limit:    20,
			expected: `{"refresh_token":"[R...(truncated)`,
		},
		{
			name:     "value cut off by capture",
			body:     `{"id_token":"eyJhbGciOi.partial`,
			expected: `{"id_token":"[REDACTED]"`,
		},
		{
			name:     "empty",
			body:     "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Body([]byte(tt.body), tt.limit))
		})
	}
}
