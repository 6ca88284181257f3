package credential

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSource 测试用凭据源
type mockSource struct {
	mu         sync.Mutex
	claimable  []Credential
	claims     map[string]string // id -> claimerID
	claimCalls int
	tokens     AuthTokenSet
	master     string
	listErr    error
	tokensErr  error
}

func newMockSource() *mockSource {
	return &mockSource{claims: make(map[string]string)}
}

func (m *mockSource) ListClaimable(ctx context.Context) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]Credential{}, m.claimable...), nil
}

func (m *mockSource) Claim(ctx context.Context, id string, claimerID string, claimerLabel string) (*ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimCalls++

	for _, cred := range m.claimable {
		if cred.ID != id {
			continue
		}
		owner, taken := m.claims[id]
		if taken && owner != claimerID {
			return &ClaimResult{ClaimedByOther: true}, nil
		}
		m.claims[id] = claimerID
		now := time.Now()
		cred.OwnerID = claimerID
		cred.ClaimedAt = &now
		return &ClaimResult{Credential: cred, AlreadyClaimed: taken}, nil
	}
	return nil, fmt.Errorf("key %s not found", id)
}

func (m *mockSource) SharedMaster(ctx context.Context) (string, error) {
	return m.master, nil
}

func (m *mockSource) AuthTokens(ctx context.Context) (AuthTokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokensErr != nil {
		return nil, m.tokensErr
	}
	return append(AuthTokenSet{}, m.tokens...), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func createTestPool(source Source) *Pool {
	return NewPool(source, NewSession(), testLogger())
}

// TestClaimIdempotence 同一认领者重复认领同一凭据是确定性成功
func TestClaimIdempotence(t *testing.T) {
	source := newMockSource()
	source.claimable = []Credential{
		{ID: "key-1", Secret: "AIzaSy-test-secret-0001", Origin: OriginClaimablePool},
	}
	pool := createTestPool(source)

	first, err := pool.Claim(context.Background(), "key-1", "user-1", "测试用户")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "user-1", first.OwnerID)

	// 重复认领返回相同凭据且不报错
	second, err := pool.Claim(context.Background(), "key-1", "user-1", "测试用户")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Secret, second.Secret)
}

// TestClaimTakenByOther 被他人占用的凭据认领失败
func TestClaimTakenByOther(t *testing.T) {
	source := newMockSource()
	source.claimable = []Credential{
		{ID: "key-1", Secret: "AIzaSy-test-secret-0001", Origin: OriginClaimablePool},
	}
	pool := createTestPool(source)

	_, err := pool.Claim(context.Background(), "key-1", "user-1", "甲")
	require.NoError(t, err)

	_, err = pool.Claim(context.Background(), "key-1", "user-2", "乙")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already claimed")
}

// TestInstallVisibility 安装的凭据对后续读取立即可见
func TestInstallVisibility(t *testing.T) {
	pool := createTestPool(newMockSource())

	assert.Nil(t, pool.Session().Active())

	pool.Install(&Credential{ID: "key-1", Secret: "AIzaSy-test-secret-0001", Origin: OriginPersonal})

	active := pool.Session().Active()
	require.NotNil(t, active)
	assert.Equal(t, "key-1", active.ID)
	assert.Equal(t, "AIzaSy-test-secret-0001", pool.Session().ActiveSecret())

	// 替换后旧凭据不再可见
	pool.Install(&Credential{ID: "key-2", Secret: "AIzaSy-test-secret-0002", Origin: OriginClaimablePool})
	assert.Equal(t, "key-2", pool.Session().Active().ID)
}

// TestRefreshAuthTokensInstallsSet 非空令牌集整体安装
func TestRefreshAuthTokensInstallsSet(t *testing.T) {
	source := newMockSource()
	source.tokens = AuthTokenSet{
		{Token: "token-a", CreatedAt: time.Now()},
		{Token: "token-b", CreatedAt: time.Now()},
	}
	pool := createTestPool(source)

	tokens, err := pool.RefreshAuthTokens(context.Background())
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
	assert.Equal(t, []string{"token-a", "token-b"}, pool.Session().Tokens().Tokens())
}

// TestRefreshAuthTokensEmptyClearsStale 空令牌集清空旧集并报错
func TestRefreshAuthTokensEmptyClearsStale(t *testing.T) {
	source := newMockSource()
	source.tokens = AuthTokenSet{{Token: "stale", CreatedAt: time.Now()}}
	pool := createTestPool(source)

	_, err := pool.RefreshAuthTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, pool.Session().Tokens(), 1)

	source.mu.Lock()
	source.tokens = nil
	source.mu.Unlock()

	_, err = pool.RefreshAuthTokens(context.Background())
	assert.Error(t, err)
	assert.Empty(t, pool.Session().Tokens(), "旧令牌集应被清空")
}
