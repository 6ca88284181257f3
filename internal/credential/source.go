package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Source 凭据来源协作方接口
type Source interface {
	// ListClaimable 按存储顺序返回可认领凭据列表
	ListClaimable(ctx context.Context) ([]Credential, error)

	// Claim 认领指定凭据。同一认领者重复认领同一凭据视为成功。
	Claim(ctx context.Context, id string, claimerID string, claimerLabel string) (*ClaimResult, error)

	// SharedMaster 获取共享主密钥
	SharedMaster(ctx context.Context) (string, error)

	// AuthTokens 获取最新的视频认证令牌集
	AuthTokens(ctx context.Context) (AuthTokenSet, error)
}

// HTTPSourceConfig HTTP凭据源配置
type HTTPSourceConfig struct {
	BaseURL string
	Token   string // Bearer令牌，可为空
	Timeout time.Duration
}

// HTTPSource 通过上游凭据服务的JSON接口实现Source
type HTTPSource struct {
	config HTTPSourceConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSource 创建HTTP凭据源
func NewHTTPSource(config HTTPSourceConfig, logger *slog.Logger) *HTTPSource {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &HTTPSource{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// ListClaimable 获取可认领凭据列表
func (s *HTTPSource) ListClaimable(ctx context.Context) ([]Credential, error) {
	var out struct {
		Keys []Credential `json:"keys"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/api/keys/claimable", nil, &out); err != nil {
		return nil, fmt.Errorf("list claimable keys: %w", err)
	}

	s.logger.Debug("Claimable keys fetched", "count", len(out.Keys))
	return out.Keys, nil
}

// Claim 认领凭据
func (s *HTTPSource) Claim(ctx context.Context, id string, claimerID string, claimerLabel string) (*ClaimResult, error) {
	payload := map[string]string{
		"claimer_id":    claimerID,
		"claimer_label": claimerLabel,
	}

	var out ClaimResult
	err := s.doJSON(ctx, http.MethodPost, "/api/keys/"+id+"/claim", payload, &out)
	if err != nil {
		return nil, fmt.Errorf("claim key %s: %w", id, err)
	}

	return &out, nil
}

// SharedMaster 获取共享主密钥
func (s *HTTPSource) SharedMaster(ctx context.Context) (string, error) {
	var out struct {
		Secret string `json:"secret"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/api/keys/shared-master", nil, &out); err != nil {
		return "", fmt.Errorf("fetch shared master key: %w", err)
	}
	return out.Secret, nil
}

// AuthTokens 获取视频认证令牌集
func (s *HTTPSource) AuthTokens(ctx context.Context) (AuthTokenSet, error) {
	var out struct {
		Tokens AuthTokenSet `json:"tokens"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/api/veo-tokens", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch auth tokens: %w", err)
	}
	return out.Tokens, nil
}

// doJSON 执行一次JSON请求，2xx之外的状态码视为失败
func (s *HTTPSource) doJSON(ctx context.Context, method string, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.BaseURL+path, body)
	if err != nil {
		return err
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
