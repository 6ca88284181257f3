package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"genai-orchestrator/internal/classify"
)

// HTTPClientConfig 生成服务客户端配置
type HTTPClientConfig struct {
	BaseURL    string        `yaml:"base_url"`
	UploadURL  string        `yaml:"upload_url"`
	Timeout    time.Duration `yaml:"timeout"`
	APIVersion string        `yaml:"api_version"`
}

// HTTPClient 生成服务的HTTP实现
type HTTPClient struct {
	config    HTTPClientConfig
	client    *http.Client
	processor *Processor
	logger    *slog.Logger
}

// NewHTTPClient 创建生成服务客户端
func NewHTTPClient(config HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.APIVersion == "" {
		config.APIVersion = "v1beta"
	}
	if config.UploadURL == "" {
		config.UploadURL = config.BaseURL
	}

	return &HTTPClient{
		config:    config,
		client:    &http.Client{Timeout: config.Timeout},
		processor: NewProcessor(),
		logger:    logger,
	}
}

// GenerateContent 一次非流式生成调用
func (c *HTTPClient) GenerateContent(ctx context.Context, secret string, model string, req ContentRequest) (*ContentResponse, error) {
	payload, err := buildContentPayload(req)
	if err != nil {
		return nil, fmt.Errorf("build request payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent", c.config.BaseURL, c.config.APIVersion, url.PathEscape(model))

	body, err := c.doPost(ctx, endpoint, secret, payload)
	if err != nil {
		return nil, err
	}

	return parseContentResponse(body), nil
}

// StreamContent 流式文本生成
func (c *HTTPClient) StreamContent(ctx context.Context, secret string, model string, req ContentRequest) (<-chan StreamChunk, error) {
	payload, err := buildContentPayload(req)
	if err != nil {
		return nil, fmt.Errorf("build request payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:streamGenerateContent?alt=sse", c.config.BaseURL, c.config.APIVersion, url.PathEscape(model))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq, secret)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify.NetworkError(err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := c.processor.ReadAndDecompress(resp)
		return nil, classify.FromStatus(resp.StatusCode, string(raw), "")
	}

	reader, err := c.processor.DecompressStreamReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	chunks := make(chan StreamChunk, 16)

	go func() {
		defer close(chunks)
		defer reader.Close()

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			if text := gjson.Get(data, "candidates.0.content.parts.0.text"); text.Exists() {
				select {
				case chunks <- StreamChunk{Text: text.String()}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			chunks <- StreamChunk{Err: classify.NetworkError(err.Error())}
		}
	}()

	return chunks, nil
}

// UploadVideoImage 上传视频参考图像
func (c *HTTPClient) UploadVideoImage(ctx context.Context, token string, mimeType string, data []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/upload/%s/files", c.config.UploadURL, c.config.APIVersion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", mimeType)
	httpReq.Header.Set("X-Goog-Upload-Protocol", "raw")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classify.NetworkError(err.Error())
	}
	defer resp.Body.Close()

	body, err := c.processor.ReadAndDecompress(resp)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classify.FromStatus(resp.StatusCode, string(body), "")
	}

	mediaID := gjson.GetBytes(body, "file.uri").String()
	if mediaID == "" {
		mediaID = gjson.GetBytes(body, "file.name").String()
	}
	if mediaID == "" {
		return "", fmt.Errorf("upload response missing media reference: %s", string(body))
	}

	c.logger.Debug("Video image uploaded", "media_id", mediaID, "bytes", len(data))
	return mediaID, nil
}

// SubmitVideoJob 提交视频生成任务
func (c *HTTPClient) SubmitVideoJob(ctx context.Context, token string, req VideoSubmitRequest) ([]string, error) {
	payload, err := buildVideoPayload(req)
	if err != nil {
		return nil, fmt.Errorf("build video payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:predictLongRunning", c.config.BaseURL, c.config.APIVersion, url.PathEscape(req.Model))

	body, err := c.doPostBearer(ctx, endpoint, token, payload)
	if err != nil {
		return nil, err
	}

	var handles []string
	if name := gjson.Get(body, "name"); name.Exists() {
		handles = append(handles, name.String())
	}
	for _, op := range gjson.Get(body, "operations.#.name").Array() {
		handles = append(handles, op.String())
	}

	if len(handles) == 0 {
		return nil, fmt.Errorf("submit response missing operation handle: %s", body)
	}
	return handles, nil
}

// VideoJobStatus 查询操作句柄状态，返回原始JSON
func (c *HTTPClient) VideoJobStatus(ctx context.Context, token string, handle string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.config.BaseURL, c.config.APIVersion, strings.TrimPrefix(handle, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classify.NetworkError(err.Error())
	}
	defer resp.Body.Close()

	body, err := c.processor.ReadAndDecompress(resp)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classify.FromStatus(resp.StatusCode, string(body), "")
	}

	return string(body), nil
}

// FetchArtifact 下载生成产物
func (c *HTTPClient) FetchArtifact(ctx context.Context, token string, artifactURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classify.NetworkError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classify.FromStatus(resp.StatusCode, string(raw), "")
	}

	return io.ReadAll(resp.Body)
}

// doPost 执行密钥认证的POST请求
func (c *HTTPClient) doPost(ctx context.Context, endpoint string, secret string, payload string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq, secret)

	return c.execute(httpReq)
}

// doPostBearer 执行Bearer令牌认证的POST请求
func (c *HTTPClient) doPostBearer(ctx context.Context, endpoint string, token string, payload string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	body, err := c.execute(httpReq)
	return string(body), err
}

func (c *HTTPClient) setHeaders(req *http.Request, secret string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("X-Goog-Api-Key", secret)
}

func (c *HTTPClient) execute(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify.NetworkError(err.Error())
	}
	defer resp.Body.Close()

	body, err := c.processor.ReadAndDecompress(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify.FromStatus(resp.StatusCode, string(body), "")
	}

	return body, nil
}

// buildContentPayload 构造生成请求的JSON载荷
func buildContentPayload(req ContentRequest) (string, error) {
	payload := "{}"
	var err error

	for i, part := range req.Parts {
		base := fmt.Sprintf("contents.0.parts.%d", i)
		if part.Inline != nil {
			payload, err = sjson.Set(payload, base+".inlineData.mimeType", part.Inline.MimeType)
			if err != nil {
				return "", err
			}
			payload, err = sjson.Set(payload, base+".inlineData.data", part.Inline.Data)
		} else {
			payload, err = sjson.Set(payload, base+".text", part.Text)
		}
		if err != nil {
			return "", err
		}
	}

	if req.SystemInstruction != "" {
		payload, err = sjson.Set(payload, "systemInstruction.parts.0.text", req.SystemInstruction)
		if err != nil {
			return "", err
		}
	}

	if len(req.ResponseModalities) > 0 {
		payload, err = sjson.Set(payload, "generationConfig.responseModalities", req.ResponseModalities)
		if err != nil {
			return "", err
		}
	}

	if req.MaxOutputTokens > 0 {
		payload, err = sjson.Set(payload, "generationConfig.maxOutputTokens", req.MaxOutputTokens)
		if err != nil {
			return "", err
		}
	}

	if req.SpeechVoice != "" {
		payload, err = sjson.Set(payload, "generationConfig.speechConfig.voiceConfig.prebuiltVoiceConfig.voiceName", req.SpeechVoice)
		if err != nil {
			return "", err
		}
	}

	if req.EnableSearch {
		payload, err = sjson.SetRaw(payload, "tools.0.googleSearch", "{}")
		if err != nil {
			return "", err
		}
	}

	return payload, nil
}

// buildVideoPayload 构造视频提交请求的JSON载荷
func buildVideoPayload(req VideoSubmitRequest) (string, error) {
	payload := "{}"
	var err error

	payload, err = sjson.Set(payload, "instances.0.prompt", req.Prompt)
	if err != nil {
		return "", err
	}

	if req.MediaID != "" {
		payload, err = sjson.Set(payload, "instances.0.image.fileUri", req.MediaID)
		if err != nil {
			return "", err
		}
	}

	if req.AspectRatio != "" {
		payload, err = sjson.Set(payload, "parameters.aspectRatio", req.AspectRatio)
		if err != nil {
			return "", err
		}
	}

	if req.NegativePrompt != "" {
		payload, err = sjson.Set(payload, "parameters.negativePrompt", req.NegativePrompt)
		if err != nil {
			return "", err
		}
	}

	if req.Resolution != "" {
		payload, err = sjson.Set(payload, "parameters.resolution", req.Resolution)
		if err != nil {
			return "", err
		}
	}

	return payload, nil
}

// parseContentResponse 解析生成响应
func parseContentResponse(body []byte) *ContentResponse {
	out := &ContentResponse{}

	candidate := gjson.GetBytes(body, "candidates.0")

	// 安全拦截：无候选或finishReason标记
	if !candidate.Exists() {
		if reason := gjson.GetBytes(body, "promptFeedback.blockReason"); reason.Exists() {
			out.SafetyBlocked = true
			out.BlockReason = reason.String()
		}
		return out
	}
	if reason := candidate.Get("finishReason"); reason.String() == "SAFETY" || reason.String() == "PROHIBITED_CONTENT" {
		out.SafetyBlocked = true
		out.BlockReason = reason.String()
	}

	var textBuilder strings.Builder
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			textBuilder.WriteString(text.String())
			return true
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			decoded, err := base64.StdEncoding.DecodeString(inline.Get("data").String())
			if err != nil {
				return true
			}
			mime := inline.Get("mimeType").String()
			if strings.HasPrefix(mime, "audio/") {
				out.Audio = append(out.Audio, decoded...)
			} else {
				out.Images = append(out.Images, InlineImage{MimeType: mime, Data: decoded})
			}
		}
		return true
	})
	out.Text = textBuilder.String()

	candidate.Get("groundingMetadata.groundingChunks").ForEach(func(_, chunk gjson.Result) bool {
		web := chunk.Get("web")
		if web.Exists() {
			out.Sources = append(out.Sources, GroundingSource{
				Title: web.Get("title").String(),
				URI:   web.Get("uri").String(),
			})
		}
		return true
	})

	return out
}
