package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genai-orchestrator/config"
	"genai-orchestrator/internal/api"
	"genai-orchestrator/internal/credential"
	"genai-orchestrator/internal/events"
	"genai-orchestrator/internal/gen"
	"genai-orchestrator/internal/monitor"
	"genai-orchestrator/internal/prober"
	"genai-orchestrator/internal/repair"
	"genai-orchestrator/internal/tracking"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubClient 固定返回成功的最小API客户端
type stubClient struct{}

func (c *stubClient) GenerateContent(ctx context.Context, secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
	return &api.ContentResponse{Text: "pong"}, nil
}

func (c *stubClient) StreamContent(ctx context.Context, secret, model string, req api.ContentRequest) (<-chan api.StreamChunk, error) {
	ch := make(chan api.StreamChunk)
	close(ch)
	return ch, nil
}

func (c *stubClient) UploadVideoImage(ctx context.Context, token, mimeType string, data []byte) (string, error) {
	return "media-1", nil
}

func (c *stubClient) SubmitVideoJob(ctx context.Context, token string, req api.VideoSubmitRequest) ([]string, error) {
	return []string{"operations/op-1"}, nil
}

func (c *stubClient) VideoJobStatus(ctx context.Context, token, handle string) (string, error) {
	return `{"done":true}`, nil
}

func (c *stubClient) FetchArtifact(ctx context.Context, token, url string) ([]byte, error) {
	return []byte("data"), nil
}

// stubSource 内存凭据源
type stubSource struct {
	claimable []credential.Credential
}

func (s *stubSource) ListClaimable(ctx context.Context) ([]credential.Credential, error) {
	return s.claimable, nil
}

func (s *stubSource) Claim(ctx context.Context, id, claimerID, claimerLabel string) (*credential.ClaimResult, error) {
	for _, cred := range s.claimable {
		if cred.ID == id {
			return &credential.ClaimResult{Credential: cred}, nil
		}
	}
	return &credential.ClaimResult{ClaimedByOther: true}, nil
}

func (s *stubSource) SharedMaster(ctx context.Context) (string, error) {
	return "shared-key", nil
}

func (s *stubSource) AuthTokens(ctx context.Context) (credential.AuthTokenSet, error) {
	return nil, nil
}

type webFixture struct {
	server  *Server
	session *credential.Session
	bus     events.EventBus
	tracker *tracking.Tracker
}

func createTestServer(t *testing.T, cfg *config.Config) *webFixture {
	t.Helper()

	logger := testLogger()
	client := &stubClient{}
	session := credential.NewSession()
	source := &stubSource{claimable: []credential.Credential{
		{ID: "cred-1", Secret: "sk-claimable-secret-value", Origin: credential.OriginClaimablePool},
	}}
	pool := credential.NewPool(source, session, logger)

	bus := events.NewEventBus(logger)
	require.NoError(t, bus.Start())
	t.Cleanup(func() { bus.Stop() })

	trackerConfig := tracking.DefaultConfig()
	trackerConfig.Database = tracking.DatabaseConfig{Type: "sqlite", DatabasePath: ":memory:"}
	trackerConfig.FlushInterval = 10 * time.Millisecond
	tracker, err := tracking.NewTracker(trackerConfig, logger)
	require.NoError(t, err)
	tracker.Start()
	t.Cleanup(tracker.Stop)

	prob := prober.New(client, prober.Models{Text: "t", Image: "i", Video: "v"}, time.Second, logger)
	coordinator := repair.NewCoordinator(pool, prob, bus, time.Second, logger)
	orch := gen.New(client, pool, bus, tracker, nil, gen.DefaultConfig(), logger)

	metrics := monitor.NewCollector(logger)
	metrics.Start(bus)
	t.Cleanup(metrics.Stop)

	if cfg == nil {
		cfg = &config.Config{}
		cfg.Credentials.ClaimerLabel = "test"
	}

	return &webFixture{
		server:  NewServer(cfg, pool, orch, prob, coordinator, tracker, metrics, bus, logger, time.Now()),
		session: session,
		bus:     bus,
		tracker: tracker,
	}
}

func (f *webFixture) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	recorder := httptest.NewRecorder()
	f.server.engine.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthz(t *testing.T) {
	f := createTestServer(t, nil)

	resp := f.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

// 鉴权开启后无令牌或错令牌均拒绝
func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.Token = "admin-token"
	f := createTestServer(t, cfg)

	resp := f.do(http.MethodGet, "/api/pool", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = f.do(http.MethodGet, "/api/pool", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = f.do(http.MethodGet, "/api/pool", nil, map[string]string{"Authorization": "Bearer admin-token"})
	assert.Equal(t, http.StatusOK, resp.Code)

	// 健康检查不鉴权
	resp = f.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

// 凭据池快照只输出掩码后的密钥
func TestPoolSnapshotMasksSecret(t *testing.T) {
	f := createTestServer(t, nil)
	f.session.SetActive(&credential.Credential{ID: "c1", Secret: "sk-super-secret-value-123", Origin: credential.OriginPersonal})

	resp := f.do(http.MethodGet, "/api/pool", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.NotContains(t, resp.Body.String(), "sk-super-secret-value-123")
	assert.Contains(t, resp.Body.String(), "active")
}

func TestClaimInstallsCredential(t *testing.T) {
	f := createTestServer(t, nil)

	resp := f.do(http.MethodPost, "/api/pool/claim", map[string]string{"id": "cred-1"}, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	active := f.session.Active()
	require.NotNil(t, active)
	assert.Equal(t, "cred-1", active.ID)
}

func TestClaimUnknownCredentialConflicts(t *testing.T) {
	f := createTestServer(t, nil)

	resp := f.do(http.MethodPost, "/api/pool/claim", map[string]string{"id": "missing"}, nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestCheckCredential(t *testing.T) {
	f := createTestServer(t, nil)

	resp := f.do(http.MethodPost, "/api/credentials/check", map[string]string{"secret": "sk-test"}, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var result gen.CheckResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result.OK)
}

func TestTriggerRepairValidatesKind(t *testing.T) {
	f := createTestServer(t, nil)

	resp := f.do(http.MethodPost, "/api/repair/api_key", nil, nil)
	assert.Equal(t, http.StatusAccepted, resp.Code)

	resp = f.do(http.MethodPost, "/api/repair/bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRepairStatusListsBothKinds(t *testing.T) {
	f := createTestServer(t, nil)

	resp := f.do(http.MethodGet, "/api/repair", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Statuses []repair.KindStatus `json:"statuses"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Len(t, body.Statuses, 2)
}

func TestActivityQuery(t *testing.T) {
	f := createTestServer(t, nil)

	f.tracker.Append(tracking.LogEntry{
		RequestID: "r1",
		Operation: "text",
		Model:     "m",
		Prompt:    "hello",
		Status:    "success",
	})

	require.Eventually(t, func() bool {
		resp := f.do(http.MethodGet, "/api/activity?operation=text", nil, nil)
		if resp.Code != http.StatusOK {
			return false
		}
		var body struct {
			Total int `json:"total"`
		}
		return json.Unmarshal(resp.Body.Bytes(), &body) == nil && body.Total == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	f := createTestServer(t, nil)

	resp := f.do(http.MethodGet, "/api/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "operations")
}

func TestDiagnosticsAndProbe(t *testing.T) {
	f := createTestServer(t, nil)
	f.session.SetActive(&credential.Credential{ID: "c1", Secret: "sk-1"})
	f.session.SetTokens(credential.AuthTokenSet{{Token: "tok-1", CreatedAt: time.Now()}})

	resp := f.do(http.MethodGet, "/api/probe", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var probe prober.MinimalResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &probe))
	assert.True(t, probe.Image)

	resp = f.do(http.MethodGet, "/api/diagnostics", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "results")
}
