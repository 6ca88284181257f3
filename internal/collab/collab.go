package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"genai-orchestrator/internal/credential"
)

// Config 协作方服务配置
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	WebhookURL string        `yaml:"webhook_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HistoryEntry 生成历史记录
type HistoryEntry struct {
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"` // image / video / speech / text
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	ResultURL string    `json:"result_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookPayload 外发通知载荷
type WebhookPayload struct {
	Event     string                 `json:"event"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Services 协作方服务集合：历史记录、用量计数、外发通知。
// 写入全部是尽力而为，失败只记录日志，不回滚已完成的生成。
type Services struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewServices 创建协作方服务集合
func NewServices(config Config, logger *slog.Logger) *Services {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Services{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// AppendHistory 追加生成历史记录
func (s *Services) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.post(ctx, s.config.BaseURL+"/api/history", entry)
}

// IncrementUsage 递增用户用量计数，返回更新后的用户记录
func (s *Services) IncrementUsage(ctx context.Context, userID string, usageType string) (*credential.User, error) {
	payload := map[string]string{"type": usageType}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/users/%s/usage", s.config.BaseURL, userID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("increment usage: unexpected status %d", resp.StatusCode)
	}

	var user credential.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode updated user: %w", err)
	}
	return &user, nil
}

// Notify 外发事件通知。失败只记录日志。
func (s *Services) Notify(ctx context.Context, payload WebhookPayload) {
	if s.config.WebhookURL == "" {
		return
	}
	payload.Timestamp = time.Now()

	if err := s.post(ctx, s.config.WebhookURL, payload); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️ [协作方] 外发通知失败: %s, 错误: %v", payload.Event, err))
		return
	}
	s.logger.Debug("Webhook delivered", "event", payload.Event)
}

func (s *Services) post(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *Services) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}
}
