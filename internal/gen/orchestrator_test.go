package gen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genai-orchestrator/internal/api"
	"genai-orchestrator/internal/classify"
	"genai-orchestrator/internal/credential"
	"genai-orchestrator/internal/events"
)

type generateCall struct {
	secret string
	model  string
	req    api.ContentRequest
}

// mockClient 可编程的远程服务模拟
type mockClient struct {
	mu sync.Mutex

	generateFunc func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error)
	uploadFunc   func(token, mimeType string, data []byte) (string, error)
	submitFunc   func(token string, req api.VideoSubmitRequest) ([]string, error)
	statusFunc   func(token, handle string) (string, error)
	fetchFunc    func(token, url string) ([]byte, error)

	generateCalls []generateCall
	uploadCalls   int
	submitCalls   []string
	statusCalls   int
	fetchCalls    int
}

func (m *mockClient) GenerateContent(ctx context.Context, secret string, model string, req api.ContentRequest) (*api.ContentResponse, error) {
	m.mu.Lock()
	m.generateCalls = append(m.generateCalls, generateCall{secret: secret, model: model, req: req})
	m.mu.Unlock()

	if m.generateFunc != nil {
		return m.generateFunc(secret, model, req)
	}
	return &api.ContentResponse{Text: "ok"}, nil
}

func (m *mockClient) StreamContent(ctx context.Context, secret string, model string, req api.ContentRequest) (<-chan api.StreamChunk, error) {
	ch := make(chan api.StreamChunk, 2)
	ch <- api.StreamChunk{Text: "Hello "}
	ch <- api.StreamChunk{Text: "world"}
	close(ch)
	return ch, nil
}

func (m *mockClient) UploadVideoImage(ctx context.Context, token string, mimeType string, data []byte) (string, error) {
	m.mu.Lock()
	m.uploadCalls++
	m.mu.Unlock()

	if m.uploadFunc != nil {
		return m.uploadFunc(token, mimeType, data)
	}
	return "media-1", nil
}

func (m *mockClient) SubmitVideoJob(ctx context.Context, token string, req api.VideoSubmitRequest) ([]string, error) {
	m.mu.Lock()
	m.submitCalls = append(m.submitCalls, token)
	m.mu.Unlock()

	if m.submitFunc != nil {
		return m.submitFunc(token, req)
	}
	return []string{"operations/op-1"}, nil
}

func (m *mockClient) VideoJobStatus(ctx context.Context, token string, handle string) (string, error) {
	m.mu.Lock()
	m.statusCalls++
	m.mu.Unlock()

	if m.statusFunc != nil {
		return m.statusFunc(token, handle)
	}
	return `{"done":true,"metadata":{"video":{"fifeUrl":"https://cdn.example/video.mp4"}}}`, nil
}

func (m *mockClient) FetchArtifact(ctx context.Context, token string, url string) ([]byte, error) {
	m.mu.Lock()
	m.fetchCalls++
	m.mu.Unlock()

	if m.fetchFunc != nil {
		return m.fetchFunc(token, url)
	}
	return []byte("video-bytes"), nil
}

func (m *mockClient) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.generateCalls) + m.uploadCalls + len(m.submitCalls) + m.statusCalls + m.fetchCalls
}

// mockBus 记录发布的事件
type mockBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *mockBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *mockBus) Subscribe(name string, types []events.EventType, handler events.Handler) func() {
	return func() {}
}

func (b *mockBus) Start() error              { return nil }
func (b *mockBus) Stop() error               { return nil }
func (b *mockBus) GetStats() events.BusStats { return events.BusStats{} }

func (b *mockBus) eventsOfType(t events.EventType) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []events.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// mockCredSource 生成测试用的凭据来源
type mockCredSource struct {
	sharedMaster string
}

func (s *mockCredSource) ListClaimable(ctx context.Context) ([]credential.Credential, error) {
	return nil, nil
}

func (s *mockCredSource) Claim(ctx context.Context, id, claimerID, claimerLabel string) (*credential.ClaimResult, error) {
	return nil, errors.New("not supported")
}

func (s *mockCredSource) SharedMaster(ctx context.Context) (string, error) {
	return s.sharedMaster, nil
}

func (s *mockCredSource) AuthTokens(ctx context.Context) (credential.AuthTokenSet, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testFixture struct {
	orch    *Orchestrator
	client  *mockClient
	bus     *mockBus
	session *credential.Session
	source  *mockCredSource
}

func createTestOrchestrator(t *testing.T, config Config) *testFixture {
	t.Helper()

	client := &mockClient{}
	bus := &mockBus{}
	source := &mockCredSource{}
	session := credential.NewSession()
	pool := credential.NewPool(source, session, testLogger())

	orch := New(client, pool, bus, nil, nil, config, testLogger())
	return &testFixture{orch: orch, client: client, bus: bus, session: session, source: source}
}

func withActiveKey(sess *credential.Session, secret string) {
	sess.SetActive(&credential.Credential{ID: "cred-1", Secret: secret, Origin: credential.OriginPersonal})
}

// 测试纯文本生成使用激活凭据
func TestGenerateTextUsesActiveCredential(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "personal-key")

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		return &api.ContentResponse{Text: "你好，世界"}, nil
	}

	text, err := f.orch.GenerateText(context.Background(), f.session, "打个招呼")
	require.NoError(t, err)
	assert.Equal(t, "你好，世界", text)

	require.Len(t, f.client.generateCalls, 1)
	call := f.client.generateCalls[0]
	assert.Equal(t, "personal-key", call.secret)
	assert.Equal(t, "gemini-2.5-flash", call.model)
	require.Len(t, call.req.Parts, 1)
	assert.Equal(t, "打个招呼", call.req.Parts[0].Text)
}

// 测试没有激活凭据时直接报错，不发起远程调用
func TestGenerateTextWithoutCredentialFails(t *testing.T) {
	f := createTestOrchestrator(t, Config{})

	_, err := f.orch.GenerateText(context.Background(), f.session, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not found")
	assert.Zero(t, f.client.totalCalls())
}

// 测试搜索增强生成启用搜索工具并返回出处
func TestGenerateTextWithSearch(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "k")

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		if !req.EnableSearch {
			return nil, errors.New("search tool not enabled")
		}
		return &api.ContentResponse{
			Text:    "latest news",
			Sources: []api.GroundingSource{{Title: "Example", URI: "https://example.com"}},
		}, nil
	}

	result, err := f.orch.GenerateTextWithSearch(context.Background(), f.session, "今日新闻")
	require.NoError(t, err)
	assert.Equal(t, "latest news", result.Text)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "https://example.com", result.Sources[0].URI)
}

// 测试非试用低用量用户的图像操作优先使用共享主密钥
func TestImageSharedMasterOverride(t *testing.T) {
	f := createTestOrchestrator(t, Config{SharedMasterImageLimit: 100})
	withActiveKey(f.session, "personal-key")
	f.source.sharedMaster = "shared-key"
	f.session.SetUser(&credential.User{ID: "u1", Status: "active", TotalImages: 5})

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		return &api.ContentResponse{Images: []api.InlineImage{{MimeType: "image/png", Data: []byte{1}}}}, nil
	}

	_, err := f.orch.GenerateImages(context.Background(), f.session, "一只猫", "")
	require.NoError(t, err)

	require.Len(t, f.client.generateCalls, 1)
	assert.Equal(t, "shared-key", f.client.generateCalls[0].secret)
}

// 测试试用用户和超过阈值的用户都回退到激活凭据
func TestImageSharedMasterNotUsed(t *testing.T) {
	cases := []struct {
		name string
		user *credential.User
	}{
		{"试用用户", &credential.User{ID: "u1", Status: "trial", TotalImages: 0}},
		{"超过阈值", &credential.User{ID: "u2", Status: "active", TotalImages: 150}},
		{"无用户记录", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := createTestOrchestrator(t, Config{SharedMasterImageLimit: 100})
			withActiveKey(f.session, "personal-key")
			f.source.sharedMaster = "shared-key"
			f.session.SetUser(tc.user)

			f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
				return &api.ContentResponse{Images: []api.InlineImage{{Data: []byte{1}}}}, nil
			}

			_, err := f.orch.GenerateImages(context.Background(), f.session, "prompt", "")
			require.NoError(t, err)
			require.Len(t, f.client.generateCalls, 1)
			assert.Equal(t, "personal-key", f.client.generateCalls[0].secret)
		})
	}
}

// 测试零图像加安全拦截元数据转换为明确的拦截错误
func TestGenerateImagesSafetyBlocked(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "k")

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		return &api.ContentResponse{SafetyBlocked: true, BlockReason: "SAFETY"}, nil
	}

	_, err := f.orch.GenerateImages(context.Background(), f.session, "violent prompt", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

// 测试负面提示词拼接进完整提示
func TestGenerateImagesNegativePrompt(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "k")

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		return &api.ContentResponse{Images: []api.InlineImage{{Data: []byte{1}}}}, nil
	}

	_, err := f.orch.GenerateImages(context.Background(), f.session, "a cat", "blurry")
	require.NoError(t, err)

	prompt := f.client.generateCalls[0].req.Parts[0].Text
	assert.Contains(t, prompt, "a cat")
	assert.Contains(t, prompt, "Negative prompt")
	assert.Contains(t, prompt, "blurry")
}

// 测试配额错误附加修复建议后抛出，不触发修复
func TestQuotaErrorEnrichedNotRepaired(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "k")

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		return nil, classify.FromStatus(429, "", "resource exhausted")
	}

	_, err := f.orch.GenerateText(context.Background(), f.session, "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[Code: 429]")

	assert.Empty(t, f.bus.eventsOfType(events.EventAutoRepairAPIKey))
	assert.Empty(t, f.bus.eventsOfType(events.EventAutoRepairVeoAuth))
}

// 测试凭据类错误触发自动修复事件后抛出
func TestAuthErrorTriggersRepair(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "revoked-key")

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		return nil, classify.FromStatus(403, "", "permission denied")
	}

	_, err := f.orch.GenerateText(context.Background(), f.session, "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repair has been triggered")

	repairs := f.bus.eventsOfType(events.EventAutoRepairAPIKey)
	require.Len(t, repairs, 1)
	assert.Equal(t, classify.CategoryAuthInvalid.String(), repairs[0].Data["category"])
}

// 测试多模态调用把图像片段排在文本前
func TestGenerateMultimodalPartOrder(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "k")

	images := []api.InlineData{
		{MimeType: "image/png", Data: "aW1n"},
		{MimeType: "image/jpeg", Data: "aW1nMg=="},
	}

	_, err := f.orch.GenerateMultimodal(context.Background(), f.session, "describe", images)
	require.NoError(t, err)

	parts := f.client.generateCalls[0].req.Parts
	require.Len(t, parts, 3)
	assert.NotNil(t, parts[0].Inline)
	assert.NotNil(t, parts[1].Inline)
	assert.Equal(t, "describe", parts[2].Text)
}

// 测试语音合成把裸PCM封装成WAV
func TestGenerateSpeechWrapsWAV(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "k")

	pcm := make([]byte, 4800)
	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		if len(req.ResponseModalities) != 1 || req.ResponseModalities[0] != "AUDIO" {
			return nil, errors.New("audio modality not requested")
		}
		if req.SpeechVoice != "Kore" {
			return nil, fmt.Errorf("unexpected voice %q", req.SpeechVoice)
		}
		return &api.ContentResponse{Audio: pcm}, nil
	}

	wav, err := f.orch.GenerateSpeech(context.Background(), f.session, SpeechRequest{
		Script: "selamat pagi",
		Voice:  "Kore",
		Mood:   "Ceria",
		Mode:   "speak",
	})
	require.NoError(t, err)
	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
}

// 测试语气和演唱模式的提示拼装
func TestBuildSpeechPrompt(t *testing.T) {
	speak := buildSpeechPrompt(SpeechRequest{Script: "hello", Mood: "Berbisik", Mode: "speak"})
	assert.Equal(t, "Say in a whispering tone: hello", speak)

	malay := buildSpeechPrompt(SpeechRequest{Script: "hai", Mood: "Normal", Mode: "speak", Language: "Bahasa Melayu"})
	assert.Contains(t, malay, "Bahasa Melayu")
	assert.Contains(t, malay, "hai")

	sing := buildSpeechPrompt(SpeechRequest{Script: "la la la", Mode: "sing", MusicStyle: "rock"})
	assert.Contains(t, sing, "rock")
	assert.Contains(t, sing, "la la la")
}

// 测试凭据检查：有效、吊销、空密钥
func TestCheckCredential(t *testing.T) {
	f := createTestOrchestrator(t, Config{})

	result := f.orch.CheckCredential(context.Background(), "good-key")
	assert.True(t, result.OK)

	f.client.generateFunc = func(secret, model string, req api.ContentRequest) (*api.ContentResponse, error) {
		return nil, classify.FromStatus(403, "", "permission denied")
	}
	result = f.orch.CheckCredential(context.Background(), "revoked-key")
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Message)

	result = f.orch.CheckCredential(context.Background(), "")
	assert.False(t, result.OK)
	assert.Contains(t, result.Message, "empty")
}

// 测试流式生成透传增量片段
func TestStreamText(t *testing.T) {
	f := createTestOrchestrator(t, Config{})
	withActiveKey(f.session, "k")

	stream, err := f.orch.StreamText(context.Background(), f.session, "hi")
	require.NoError(t, err)

	var text string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		text += chunk.Text
	}
	assert.Equal(t, "Hello world", text)
}
