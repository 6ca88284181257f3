package gen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"genai-orchestrator/internal/api"
	"genai-orchestrator/internal/classify"
	"genai-orchestrator/internal/collab"
	"genai-orchestrator/internal/credential"
	"genai-orchestrator/internal/events"
	"genai-orchestrator/internal/media"
	"genai-orchestrator/internal/tracking"
	"genai-orchestrator/internal/utils"
)

// Config 生成编排器配置
type Config struct {
	TextModel   string `yaml:"text_model"`
	ImageModel  string `yaml:"image_model"`
	VideoModel  string `yaml:"video_model"`
	SpeechModel string `yaml:"speech_model"`

	// 非试用用户终身图片数低于该阈值时优先使用共享主密钥
	SharedMasterImageLimit int `yaml:"shared_master_image_limit"`

	// 视频轮询配置
	VideoPollInterval time.Duration `yaml:"video_poll_interval"`
	VideoMaxPolls     int           `yaml:"video_max_polls"`
}

// DefaultConfig 返回默认生成配置
func DefaultConfig() Config {
	return Config{
		TextModel:              "gemini-2.5-flash",
		ImageModel:             "gemini-2.5-flash-image",
		VideoModel:             "veo-3.1-fast-generate-001",
		SpeechModel:            "gemini-2.5-flash-preview-tts",
		SharedMasterImageLimit: 100,
		VideoPollInterval:      10 * time.Second,
		VideoMaxPolls:          90,
	}
}

// TextResult 搜索增强文本生成的结果
type TextResult struct {
	Text    string
	Sources []api.GroundingSource
}

// ComposeResult 图像编辑合成的结果，文本和图像可同时存在
type ComposeResult struct {
	Text  string
	Image *api.InlineImage
}

// CheckResult 凭据有效性检查的结果
type CheckResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Orchestrator 生成编排器。所有生成调用在此汇聚：读取会话凭据、
// 调用远程服务、分类失败并触发修复、追加活动日志、通知协作方。
type Orchestrator struct {
	client  api.Client
	pool    *credential.Pool
	bus     events.EventBus
	tracker *tracking.Tracker
	collab  *collab.Services
	config  Config
	logger  *slog.Logger

	bgWG sync.WaitGroup
}

// New 创建生成编排器
func New(client api.Client, pool *credential.Pool, bus events.EventBus,
	tracker *tracking.Tracker, collaborators *collab.Services, config Config, logger *slog.Logger) *Orchestrator {

	defaults := DefaultConfig()
	if config.TextModel == "" {
		config.TextModel = defaults.TextModel
	}
	if config.ImageModel == "" {
		config.ImageModel = defaults.ImageModel
	}
	if config.VideoModel == "" {
		config.VideoModel = defaults.VideoModel
	}
	if config.SpeechModel == "" {
		config.SpeechModel = defaults.SpeechModel
	}
	if config.SharedMasterImageLimit <= 0 {
		config.SharedMasterImageLimit = defaults.SharedMasterImageLimit
	}
	if config.VideoPollInterval <= 0 {
		config.VideoPollInterval = defaults.VideoPollInterval
	}
	if config.VideoMaxPolls <= 0 {
		config.VideoMaxPolls = defaults.VideoMaxPolls
	}

	return &Orchestrator{
		client:  client,
		pool:    pool,
		bus:     bus,
		tracker: tracker,
		collab:  collaborators,
		config:  config,
		logger:  logger,
	}
}

// Wait 等待后台物化协程结束，仅在关停时调用
func (o *Orchestrator) Wait() {
	o.bgWG.Wait()
}

// GenerateText 纯文本生成
func (o *Orchestrator) GenerateText(ctx context.Context, sess *credential.Session, prompt string) (string, error) {
	started := time.Now()
	requestID := uuid.NewString()

	secret, err := o.activeSecret(sess)
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, prompt, started, err)
		return "", err
	}

	o.publishStarted(requestID, "text", o.config.TextModel)

	resp, err := o.client.GenerateContent(ctx, secret, o.config.TextModel, api.ContentRequest{
		Parts: []api.Part{{Text: prompt}},
	})
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, prompt, started, err)
		return "", o.handleError(err)
	}

	o.trackSuccess(requestID, "text", o.config.TextModel, prompt, resp.Text, started)
	o.publishCompleted(requestID, "text", o.config.TextModel, started)
	o.notify(ctx, sess, "text", prompt, resp.Text)
	return resp.Text, nil
}

// GenerateTextWithSearch 搜索增强文本生成，附带出处
func (o *Orchestrator) GenerateTextWithSearch(ctx context.Context, sess *credential.Session, prompt string) (*TextResult, error) {
	started := time.Now()
	requestID := uuid.NewString()

	secret, err := o.activeSecret(sess)
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, prompt, started, err)
		return nil, err
	}

	o.publishStarted(requestID, "text", o.config.TextModel)

	resp, err := o.client.GenerateContent(ctx, secret, o.config.TextModel, api.ContentRequest{
		Parts:        []api.Part{{Text: prompt}},
		EnableSearch: true,
	})
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, prompt, started, err)
		return nil, o.handleError(err)
	}

	o.trackSuccess(requestID, "text", o.config.TextModel, prompt, resp.Text, started)
	o.publishCompleted(requestID, "text", o.config.TextModel, started)
	o.notify(ctx, sess, "text", prompt, resp.Text)
	return &TextResult{Text: resp.Text, Sources: resp.Sources}, nil
}

// StreamText 流式文本生成，返回增量片段通道
func (o *Orchestrator) StreamText(ctx context.Context, sess *credential.Session, prompt string) (<-chan api.StreamChunk, error) {
	started := time.Now()
	requestID := uuid.NewString()

	secret, err := o.activeSecret(sess)
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, prompt, started, err)
		return nil, err
	}

	stream, err := o.client.StreamContent(ctx, secret, o.config.TextModel, api.ContentRequest{
		Parts: []api.Part{{Text: prompt}},
	})
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, prompt, started, err)
		return nil, o.handleError(err)
	}

	o.trackSuccess(requestID, "text", o.config.TextModel, prompt, "streaming response started", started)
	return stream, nil
}

// GenerateMultimodal 图文混合输入的文本生成
func (o *Orchestrator) GenerateMultimodal(ctx context.Context, sess *credential.Session, prompt string, images []api.InlineData) (string, error) {
	started := time.Now()
	requestID := uuid.NewString()
	loggedPrompt := fmt.Sprintf("%s [%d image(s)]", prompt, len(images))

	secret, err := o.activeSecret(sess)
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, loggedPrompt, started, err)
		return "", err
	}

	parts := make([]api.Part, 0, len(images)+1)
	for i := range images {
		parts = append(parts, api.Part{Inline: &images[i]})
	}
	parts = append(parts, api.Part{Text: prompt})

	resp, err := o.client.GenerateContent(ctx, secret, o.config.TextModel, api.ContentRequest{Parts: parts})
	if err != nil {
		o.trackError(requestID, "text", o.config.TextModel, loggedPrompt, started, err)
		return "", o.handleError(err)
	}

	o.trackSuccess(requestID, "text", o.config.TextModel, loggedPrompt, resp.Text, started)
	o.notify(ctx, sess, "text", prompt, resp.Text)
	return resp.Text, nil
}

// GenerateImages 文生图。返回一张或多张内联图像。
func (o *Orchestrator) GenerateImages(ctx context.Context, sess *credential.Session, prompt string, negativePrompt string) ([]api.InlineImage, error) {
	started := time.Now()
	requestID := uuid.NewString()
	model := o.config.ImageModel

	fullPrompt := prompt
	if negativePrompt != "" {
		fullPrompt += "\n\nNegative prompt (things to avoid in the image): " + negativePrompt
	}

	secret, err := o.imageSecret(ctx, sess, requestID, model)
	if err != nil {
		o.trackError(requestID, "image", model, fullPrompt, started, err)
		return nil, err
	}

	o.publishStarted(requestID, "image", model)

	resp, err := o.client.GenerateContent(ctx, secret, model, api.ContentRequest{
		Parts:              []api.Part{{Text: fullPrompt}},
		ResponseModalities: []string{"IMAGE"},
	})
	if err != nil {
		o.trackError(requestID, "image", model, fullPrompt, started, err)
		return nil, o.handleError(err)
	}

	if len(resp.Images) == 0 {
		err := imageAbsenceError(resp)
		o.trackError(requestID, "image", model, fullPrompt, started, err)
		return nil, err
	}

	o.trackSuccess(requestID, "image", model, fullPrompt,
		fmt.Sprintf("%d image(s) generated", len(resp.Images)), started)
	o.publishCompleted(requestID, "image", model, started)
	o.afterImageSuccess(ctx, sess, fullPrompt)
	return resp.Images, nil
}

// ComposeImage 基于源图像的编辑合成，可能同时返回文本和图像
func (o *Orchestrator) ComposeImage(ctx context.Context, sess *credential.Session, prompt string, images []api.InlineData) (*ComposeResult, error) {
	started := time.Now()
	requestID := uuid.NewString()
	model := o.config.ImageModel
	loggedPrompt := fmt.Sprintf("%s [%d image(s)]", prompt, len(images))

	secret, err := o.imageSecret(ctx, sess, requestID, model)
	if err != nil {
		o.trackError(requestID, "image", model, loggedPrompt, started, err)
		return nil, err
	}

	parts := make([]api.Part, 0, len(images)+1)
	for i := range images {
		parts = append(parts, api.Part{Inline: &images[i]})
	}
	parts = append(parts, api.Part{Text: prompt})

	resp, err := o.client.GenerateContent(ctx, secret, model, api.ContentRequest{
		Parts:              parts,
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		o.trackError(requestID, "image", model, loggedPrompt, started, err)
		return nil, o.handleError(err)
	}

	result := &ComposeResult{Text: resp.Text}
	if len(resp.Images) > 0 {
		result.Image = &resp.Images[0]
	}

	output := result.Text
	if result.Image != nil {
		output = "1 image generated"
	}
	o.trackSuccess(requestID, "image", model, loggedPrompt, output, started)

	if result.Image != nil {
		o.afterImageSuccess(ctx, sess, loggedPrompt)
	}
	if result.Text != "" {
		o.notify(ctx, sess, "text", loggedPrompt, result.Text)
	}
	return result, nil
}

// SpeechRequest 语音合成请求
type SpeechRequest struct {
	Script     string
	Voice      string
	Language   string
	Mood       string
	Mode       string // speak 或 sing
	MusicStyle string
}

// GenerateSpeech 语音合成。远程服务返回24kHz/16位/单声道的裸PCM采样，
// 封装为WAV容器后返回。
func (o *Orchestrator) GenerateSpeech(ctx context.Context, sess *credential.Session, req SpeechRequest) ([]byte, error) {
	started := time.Now()
	requestID := uuid.NewString()
	model := o.config.SpeechModel
	loggedPrompt := speechLogPrompt(req)

	secret, err := o.activeSecret(sess)
	if err != nil {
		o.trackError(requestID, "speech", model, loggedPrompt, started, err)
		return nil, err
	}

	o.publishStarted(requestID, "speech", model)

	resp, err := o.client.GenerateContent(ctx, secret, model, api.ContentRequest{
		Parts:              []api.Part{{Text: buildSpeechPrompt(req)}},
		ResponseModalities: []string{"AUDIO"},
		SpeechVoice:        req.Voice,
	})
	if err != nil {
		o.trackError(requestID, "speech", model, loggedPrompt, started, err)
		return nil, o.handleError(err)
	}

	if len(resp.Audio) == 0 {
		err := fmt.Errorf("no audio data received from API")
		o.trackError(requestID, "speech", model, loggedPrompt, started, err)
		return nil, err
	}

	wav := media.WrapPCMAsWAV(resp.Audio, 24000, 1, 16)

	o.trackSuccess(requestID, "speech", model, loggedPrompt, "1 audio file generated", started)
	o.publishCompleted(requestID, "speech", model, started)
	o.notify(ctx, sess, "audio", loggedPrompt, "1 audio file generated")
	return wav, nil
}

// CheckCredential 凭据有效性检查：对图像模型发一次极小调用。
// 永不返回error，失败转换为结果消息。
func (o *Orchestrator) CheckCredential(ctx context.Context, secret string) CheckResult {
	if secret == "" {
		return CheckResult{OK: false, Message: "API key is empty"}
	}

	_, err := o.client.GenerateContent(ctx, secret, o.config.ImageModel, api.ContentRequest{
		Parts: []api.Part{
			{Inline: &api.InlineData{MimeType: "image/png", Data: tinyProbeImage}},
			{Text: "test"},
		},
		ResponseModalities: []string{"TEXT"},
		MaxOutputTokens:    16,
	})
	if err != nil {
		apiErr := classify.Classify(err)
		return CheckResult{OK: false, Message: firstLine(apiErr.Message)}
	}
	return CheckResult{OK: true, Message: "API key is valid"}
}

// 1x1透明PNG，凭据检查的最小载荷
const tinyProbeImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// activeSecret 读取会话激活凭据
func (o *Orchestrator) activeSecret(sess *credential.Session) (string, error) {
	secret := sess.ActiveSecret()
	if secret == "" {
		return "", fmt.Errorf("API key not found, set a personal key or claim a temporary one")
	}
	return secret, nil
}

// imageSecret 图像操作的凭据选择：非试用且终身图片数低于阈值的用户
// 优先使用共享主密钥，拿不到时回退到激活凭据
func (o *Orchestrator) imageSecret(ctx context.Context, sess *credential.Session, requestID string, model string) (string, error) {
	user := sess.User()
	if user != nil && !user.IsTrial() && user.TotalImages < o.config.SharedMasterImageLimit {
		if shared, err := o.pool.SharedMaster(ctx); err == nil && shared != "" {
			o.logger.Info(fmt.Sprintf("🔑 [凭据选择] 用户图片数 %d 低于阈值 %d，使用共享主密钥",
				user.TotalImages, o.config.SharedMasterImageLimit))
			o.track(tracking.LogEntry{
				RequestID: requestID,
				Operation: "image",
				Model:     model,
				Prompt:    fmt.Sprintf("System: using shared API key for user with low image count (%d)", user.TotalImages),
				Output:    "internal action",
				Status:    "success",
			})
			return shared, nil
		}
	}
	return o.activeSecret(sess)
}

// afterImageSuccess 图像成功后的用量递增和外发通知
func (o *Orchestrator) afterImageSuccess(ctx context.Context, sess *credential.Session, prompt string) {
	o.notify(ctx, sess, "image", prompt, "image generated")

	user := sess.User()
	if user == nil || o.collab == nil {
		return
	}

	updated, err := o.collab.IncrementUsage(ctx, user.ID, "image")
	if err != nil {
		o.logger.Warn("图片用量递增失败", "user", user.ID, "error", err)
		return
	}
	sess.SetUser(updated)
	o.publishUsageUpdated(updated)
}

// handleError 失败出口：分类错误，凭据类错误先触发自动修复再抛出，
// 其余类别附加修复建议后抛出
func (o *Orchestrator) handleError(err error) error {
	apiErr := classify.Enrich(classify.Classify(err))

	switch apiErr.Category {
	case classify.CategoryAuthInvalid:
		o.triggerRepair(events.EventAutoRepairAPIKey, apiErr)
		return fmt.Errorf("automatic API key repair has been triggered, retry shortly: %w", apiErr)
	case classify.CategoryVeoAuthFailure:
		o.triggerRepair(events.EventAutoRepairVeoAuth, apiErr)
		return fmt.Errorf("automatic auth token repair has been triggered, retry shortly: %w", apiErr)
	default:
		return apiErr
	}
}

func (o *Orchestrator) triggerRepair(eventType events.EventType, apiErr *classify.APIError) {
	o.logger.Warn(fmt.Sprintf("🔧 [自动修复] 检测到凭据类错误，触发修复: 类别=%s 代码=%s",
		apiErr.Category, apiErr.Code))

	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      eventType,
		Source:    "orchestrator",
		Timestamp: time.Now(),
		Priority:  events.PriorityHigh,
		Data: map[string]interface{}{
			"category": apiErr.Category.String(),
			"code":     apiErr.Code,
		},
	})
}

func (o *Orchestrator) publishStarted(requestID string, operation string, model string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      events.EventGenerationStarted,
		Source:    "orchestrator",
		Timestamp: time.Now(),
		Priority:  events.PriorityNormal,
		Data: map[string]interface{}{
			"request_id": requestID,
			"operation":  operation,
			"model":      model,
		},
	})
}

func (o *Orchestrator) publishCompleted(requestID string, operation string, model string, started time.Time) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      events.EventGenerationCompleted,
		Source:    "orchestrator",
		Timestamp: time.Now(),
		Priority:  events.PriorityNormal,
		Data: map[string]interface{}{
			"request_id":  requestID,
			"operation":   operation,
			"model":       model,
			"duration_ms": time.Since(started).Milliseconds(),
		},
	})
}

func (o *Orchestrator) publishUsageUpdated(user *credential.User) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      events.EventUserUsageUpdated,
		Source:    "orchestrator",
		Timestamp: time.Now(),
		Priority:  events.PriorityNormal,
		Data: map[string]interface{}{
			"user_id":      user.ID,
			"total_images": user.TotalImages,
			"total_videos": user.TotalVideos,
		},
	})
}

// notify 外发通知，尽力而为
func (o *Orchestrator) notify(ctx context.Context, sess *credential.Session, resultType string, prompt string, result string) {
	if o.collab == nil {
		return
	}
	userID := ""
	if user := sess.User(); user != nil {
		userID = user.ID
	}
	o.collab.Notify(ctx, collab.WebhookPayload{
		Event:  "generation." + resultType,
		UserID: userID,
		Data: map[string]interface{}{
			"prompt": utils.Truncate(prompt, 500),
			"result": utils.Truncate(result, 500),
		},
	})
}

func (o *Orchestrator) track(entry tracking.LogEntry) {
	if o.tracker != nil {
		o.tracker.Append(entry)
	}
}

func (o *Orchestrator) trackSuccess(requestID, operation, model, prompt, output string, started time.Time) {
	o.track(tracking.LogEntry{
		RequestID: requestID,
		Operation: operation,
		Model:     model,
		Prompt:    prompt,
		Output:    output,
		Status:    "success",
		Duration:  time.Since(started),
	})
}

func (o *Orchestrator) trackError(requestID, operation, model, prompt string, started time.Time, err error) {
	o.track(tracking.LogEntry{
		RequestID: requestID,
		Operation: operation,
		Model:     model,
		Prompt:    prompt,
		Output:    "Error: " + err.Error(),
		Status:    "error",
		Error:     err.Error(),
		Duration:  time.Since(started),
	})
}

// imageAbsenceError 零图像响应的错误：带安全拦截元数据时给出明确提示
func imageAbsenceError(resp *api.ContentResponse) error {
	if resp.SafetyBlocked {
		reason := resp.BlockReason
		if reason == "" {
			reason = "safety filters"
		}
		return fmt.Errorf("the AI did not return an image, your prompt may have been blocked by %s, please try a different prompt", reason)
	}
	return fmt.Errorf("the AI did not return an image, please try again with a different prompt")
}

// speechLogPrompt 语音请求的日志摘要
func speechLogPrompt(req SpeechRequest) string {
	script := utils.Truncate(req.Script, 100)
	if req.Mode == "sing" {
		return fmt.Sprintf("Sing: %s, Voice: %s, Lang: %s, Script: %s", req.MusicStyle, req.Voice, req.Language, script)
	}
	return fmt.Sprintf("Voice: %s, Lang: %s, Mood: %s, Script: %s", req.Voice, req.Language, req.Mood, script)
}

// 语气到朗读指令的映射
var moodInstructions = map[string]string{
	"Normal":      "",
	"Ceria":       "Say cheerfully: ",
	"Semangat":    "Say with an energetic and enthusiastic tone: ",
	"Jualan":      "Say in a persuasive and compelling sales tone: ",
	"Sedih":       "Say in a sad and melancholic tone: ",
	"Berbisik":    "Say in a whispering tone: ",
	"Marah":       "Say in an angry tone: ",
	"Tenang":      "Say in a calm and soothing tone: ",
	"Rasmi":       "Say in a formal and professional tone: ",
	"Teruja":      "Say in an excited tone: ",
	"Penceritaan": "Say in a storytelling tone: ",
	"Berwibawa":   "Say in an authoritative and firm tone: ",
	"Mesra":       "Say in a friendly and warm tone: ",
}

// buildSpeechPrompt 按模式、语气和语言拼装合成指令
func buildSpeechPrompt(req SpeechRequest) string {
	if req.Mode == "sing" {
		style := req.MusicStyle
		if style == "" {
			style = "pop"
		}
		if req.Language == "Bahasa Melayu" {
			return fmt.Sprintf("Nyanyikan lirik berikut dalam gaya muzik %s dalam Bahasa Melayu: %q", style, req.Script)
		}
		return fmt.Sprintf("Sing the following lyrics in a %s music style: %q", style, req.Script)
	}

	prompt := ""
	if req.Language == "Bahasa Melayu" {
		prompt += "Sebutkan yang berikut dalam Bahasa Melayu yang jelas: "
	}
	prompt += moodInstructions[req.Mood]
	return prompt + req.Script
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
