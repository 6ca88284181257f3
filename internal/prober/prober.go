package prober

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"genai-orchestrator/internal/api"
	"genai-orchestrator/internal/classify"
	"genai-orchestrator/internal/utils"
)

// 1x1透明PNG，作为最小成本的图像探测载荷
const tinyProbeImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// Status 单项诊断的健康状态
type Status string

const (
	StatusOperational Status = "operational"
	StatusDegraded    Status = "degraded"
	StatusError       Status = "error"
)

// HealthCheckResult 一项服务诊断的结论
type HealthCheckResult struct {
	Service string `json:"service"`
	Model   string `json:"model"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MinimalResult 快速探测的布尔结论
type MinimalResult struct {
	Image bool `json:"image"`
	Video bool `json:"video"`
}

// Models 探测使用的模型标识
type Models struct {
	Text  string
	Image string
	Video string
}

// Prober 健康探测器。所有探测都不向调用方抛错，
// 失败会转化为结果中的error状态。
type Prober struct {
	client api.Client
	models Models
	logger *slog.Logger

	timeout time.Duration
}

// New 创建健康探测器
func New(client api.Client, models Models, timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		client:  client,
		models:  models,
		logger:  logger,
		timeout: timeout,
	}
}

// ImageHealthy 用最小图像载荷探测密钥对图像模型是否可用
func (p *Prober) ImageHealthy(ctx context.Context, secret string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	_, err := p.client.GenerateContent(ctx, secret, p.models.Image, api.ContentRequest{
		Parts: []api.Part{
			{Text: "Briefly describe this image."},
			{Inline: &api.InlineData{MimeType: "image/png", Data: tinyProbeImage}},
		},
		ResponseModalities: []string{"TEXT"},
		MaxOutputTokens:    16,
	})

	if err != nil {
		p.logger.Debug("Image probe failed",
			"key", utils.MaskSecret(secret),
			"duration", utils.FormatResponseTime(time.Since(start)),
			"error", shortErrorMessage(err))
		return false
	}

	p.logger.Debug("Image probe ok",
		"key", utils.MaskSecret(secret),
		"duration", utils.FormatResponseTime(time.Since(start)))
	return true
}

// VideoHealthy 用最小提交探测令牌对视频模型是否可用
func (p *Prober) VideoHealthy(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.SubmitVideoJob(ctx, token, api.VideoSubmitRequest{
		Prompt: "health probe",
		Model:  p.models.Video,
	})
	return err == nil
}

// Minimal 并行执行图像与视频探测，返回布尔结论
func (p *Prober) Minimal(ctx context.Context, secret string, tokens []string) MinimalResult {
	var result MinimalResult
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		result.Image = p.ImageHealthy(ctx, secret)
	}()

	if len(tokens) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.Video = p.VideoHealthy(ctx, tokens[0])
		}()
	}

	wg.Wait()

	p.logger.Info(fmt.Sprintf("🩺 [健康探测] 快速探测完成: 图像=%v 视频=%v", result.Image, result.Video))
	return result
}

// FullDiagnostics 完整诊断：文本、图像、视频逐项检查
func (p *Prober) FullDiagnostics(ctx context.Context, secret string, tokens []string) []HealthCheckResult {
	results := make([]HealthCheckResult, 0, 3)

	results = append(results, p.checkText(ctx, secret))
	results = append(results, p.checkImage(ctx, secret))
	results = append(results, p.checkVideo(ctx, tokens))

	return results
}

func (p *Prober) checkText(ctx context.Context, secret string) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.GenerateContent(ctx, secret, p.models.Text, api.ContentRequest{
		Parts:           []api.Part{{Text: "ping"}},
		MaxOutputTokens: 8,
	})
	if err != nil {
		return p.errorResult("text", p.models.Text, err)
	}

	return HealthCheckResult{
		Service: "text",
		Model:   p.models.Text,
		Status:  StatusOperational,
		Message: fmt.Sprintf("responded in %s", utils.FormatResponseTime(time.Since(start))),
		Details: utils.Truncate(resp.Text, 120),
	}
}

func (p *Prober) checkImage(ctx context.Context, secret string) HealthCheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	_, err := p.client.GenerateContent(ctx, secret, p.models.Image, api.ContentRequest{
		Parts: []api.Part{
			{Text: "Briefly describe this image."},
			{Inline: &api.InlineData{MimeType: "image/png", Data: tinyProbeImage}},
		},
		ResponseModalities: []string{"TEXT"},
		MaxOutputTokens:    16,
	})
	if err != nil {
		return p.errorResult("image", p.models.Image, err)
	}

	return HealthCheckResult{
		Service: "image",
		Model:   p.models.Image,
		Status:  StatusOperational,
		Message: fmt.Sprintf("responded in %s", utils.FormatResponseTime(time.Since(start))),
	}
}

func (p *Prober) checkVideo(ctx context.Context, tokens []string) HealthCheckResult {
	if len(tokens) == 0 {
		return HealthCheckResult{
			Service: "video",
			Model:   p.models.Video,
			Status:  StatusDegraded,
			Message: "skipped, auth token not found",
		}
	}

	var lastErr error
	for i, token := range tokens {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := p.client.SubmitVideoJob(probeCtx, token, api.VideoSubmitRequest{
			Prompt: "health probe",
			Model:  p.models.Video,
		})
		cancel()

		if err == nil {
			return HealthCheckResult{
				Service: "video",
				Model:   p.models.Video,
				Status:  StatusOperational,
				Message: fmt.Sprintf("token %d accepted the job", i+1),
			}
		}
		lastErr = err
	}

	return p.errorResult("video", p.models.Video, lastErr)
}

// errorResult 把失败转化为带分类的诊断结论，绝不向上抛错
func (p *Prober) errorResult(service string, model string, err error) HealthCheckResult {
	apiErr := classify.Classify(err)

	message := shortErrorMessage(err)
	if apiErr.Code != "" {
		message = fmt.Sprintf("[%s] %s", apiErr.Code, message)
	}

	p.logger.Warn(fmt.Sprintf("⚠️ [健康探测] %s 服务异常: %s", service, message))

	return HealthCheckResult{
		Service: service,
		Model:   model,
		Status:  StatusError,
		Message: message,
		Details: apiErr.Category.String(),
	}
}

// shortErrorMessage 提取错误的首行可读消息，JSON错误体取error.message
func shortErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()

	if idx := strings.IndexByte(message, '{'); idx >= 0 {
		if inner := gjson.Get(message[idx:], "error.message"); inner.Exists() {
			message = inner.String()
		}
	}

	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	return strings.TrimSpace(message)
}
