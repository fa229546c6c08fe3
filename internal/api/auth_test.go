package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"sheetsync/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/api/jobs", "write:jobs"},
		{http.MethodGet, "/api/jobs/123", "read:jobs"},
		{http.MethodGet, "/api/sheets/S1", "read:sheets"},
		{http.MethodGet, "/api/sheets/S1/cache", "read:sheets"},
		{http.MethodGet, "/api/other", ""},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		assert.Equal(t, tt.want, requiredPermission(r), "%s %s", tt.method, tt.path)
	}
}

func TestHTTPAuth_Lookup(t *testing.T) {
	auth := NewHTTPAuth(config.APIConfig{
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{{Key: "k1", Name: "one"}, {Key: "k2", Name: "two"}},
		},
	})

	client, ok := auth.lookup("k2")
	assert.True(t, ok)
	assert.Equal(t, "two", client.Name)

	_, ok = auth.lookup("k")
	assert.False(t, ok)
	_, ok = auth.lookup("")
	assert.False(t, ok)
}

func TestHTTPAuth_DefaultHeader(t *testing.T) {
	auth := NewHTTPAuth(config.APIConfig{})
	assert.Equal(t, apiKeyHeaderDefault, auth.header)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", auth.clientKey(r))

	r.Header.Set("X-Api-Key", "abc")
	assert.Equal(t, "abc", auth.clientKey(r))
}

func TestRateLimiter_PerKey(t *testing.T) {
	l := newRateLimiter(config.APIRateLimitConfig{RPS: 0.01, Burst: 1})

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	unlimited := newRateLimiter(config.APIRateLimitConfig{})
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.allow("a"))
	}
}
