package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=query-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", tokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws?access_token=query-token&token=legacy", nil)
	assert.Equal(t, "query-token", tokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws?token=legacy", nil)
	assert.Equal(t, "legacy", tokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", tokenFromRequest(req))
}

func TestOriginChecker(t *testing.T) {
	withOrigin := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	assert.True(t, originChecker([]string{"*"})(withOrigin("https://evil.example")))

	check := originChecker([]string{"https://app.example", "chat.example:8443"})
	assert.True(t, check(withOrigin("https://app.example")))
	assert.True(t, check(withOrigin("https://chat.example:8443")))
	assert.True(t, check(withOrigin("")))
	assert.False(t, check(withOrigin("https://evil.example")))
}

func TestNewConnIDIsHex128(t *testing.T) {
	id := newConnID()
	assert.Len(t, id, 32)
	assert.NotEqual(t, id, newConnID())
}
