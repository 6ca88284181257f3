package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHTTPSourceListClaimable 验证请求路径、认证头和响应解析
func TestHTTPSourceListClaimable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 验证请求路径
		assert.Equal(t, "/api/keys/claimable", r.URL.Path)
		// 验证Bearer令牌
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keys":[{"id":"key-1","secret":"AIzaSy-0001","origin":"claimable-pool"},{"id":"key-2","secret":"AIzaSy-0002","origin":"claimable-pool"}]}`))
	}))
	defer server.Close()

	source := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL, Token: "test-token"}, testLogger())

	keys, err := source.ListClaimable(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "key-1", keys[0].ID)
	assert.Equal(t, OriginClaimablePool, keys[0].Origin)
}

// TestHTTPSourceClaim 验证认领请求体和已占用响应
func TestHTTPSourceClaim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/keys/key-1/claim", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"credential":{"id":"key-1","secret":"AIzaSy-0001","origin":"claimable-pool","owner_id":"user-1"},"already_claimed":false}`))
	}))
	defer server.Close()

	source := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL}, testLogger())

	result, err := source.Claim(context.Background(), "key-1", "user-1", "测试用户")
	require.NoError(t, err)
	assert.Equal(t, "key-1", result.Credential.ID)
	assert.False(t, result.AlreadyClaimed)
	assert.False(t, result.ClaimedByOther)
}

// TestHTTPSourceAuthTokens 令牌集获取
func TestHTTPSourceAuthTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/veo-tokens", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tokens":[{"token":"tok-a"},{"token":"tok-b"}]}`))
	}))
	defer server.Close()

	source := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL}, testLogger())

	tokens, err := source.AuthTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-a", "tok-b"}, tokens.Tokens())
}

// TestHTTPSourceErrorStatus 非2xx状态码返回错误
func TestHTTPSourceErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer server.Close()

	source := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL}, testLogger())

	_, err := source.ListClaimable(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
