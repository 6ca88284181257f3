package gen

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"genai-orchestrator/internal/api"
	"genai-orchestrator/internal/classify"
	"genai-orchestrator/internal/collab"
	"genai-orchestrator/internal/credential"
	"genai-orchestrator/internal/events"
	"genai-orchestrator/internal/media"
	"genai-orchestrator/internal/tracking"
	"genai-orchestrator/internal/utils"
)

// JobState 视频任务状态机的状态
type JobState string

const (
	JobSubmitting JobState = "submitting"
	JobUploading  JobState = "uploading"
	JobPolling    JobState = "polling"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// VideoRequest 视频生成请求
type VideoRequest struct {
	Prompt         string
	AspectRatio    string // "16:9"、"9:16" 等
	Resolution     string
	NegativePrompt string
	Image          *api.InlineData // 可选参考图像，base64编码
	HistoryPrompt  string          // 历史记录使用的提示词，为空时派生
}

// VideoResult 视频生成结果。VideoURL在任务完成时立即可流式播放，
// 产物的落盘物化在后台进行。
type VideoResult struct {
	JobID        string
	VideoURL     string
	ThumbnailURL string
	TokenIndex   int // 成功使用的令牌序号，从1开始
}

// 终态成功的状态字符串
var completedStatuses = map[string]bool{
	"MEDIA_GENERATION_STATUS_COMPLETED":  true,
	"MEDIA_GENERATION_STATUS_SUCCESS":    true,
	"MEDIA_GENERATION_STATUS_SUCCESSFUL": true,
}

// 结果URL的候选提取路径，按优先级排列
var videoURLPaths = []string{
	"operation.metadata.video.fifeUrl",
	"metadata.video.fifeUrl",
	"result.generatedVideo.0.fifeUrl",
	"result.generatedVideos.0.fifeUrl",
	"video.fifeUrl",
	"fifeUrl",
}

var thumbnailPaths = []string{
	"operation.metadata.video.servingBaseUri",
	"metadata.video.servingBaseUri",
}

// GenerateVideo 视频生成状态机。令牌严格按序尝试，单令牌流程为
// 裁剪(可选) -> 上传(可选) -> 提交 -> 固定间隔轮询；取到结果URL即完成，
// 剩余令牌不再尝试。全部令牌失败时分类最后一个错误并按需触发自动修复。
func (o *Orchestrator) GenerateVideo(ctx context.Context, sess *credential.Session, req VideoRequest) (*VideoResult, error) {
	started := time.Now()
	jobID := uuid.NewString()
	model := o.config.VideoModel

	tokens := sess.Tokens().Tokens()
	if len(tokens) == 0 {
		err := classify.VeoAuthError("auth token is required for video generation, set it or wait for auto repair")
		o.trackError(jobID, "video", model, req.Prompt, started, err)
		return nil, o.handleError(err)
	}

	o.publishJobUpdate(jobID, JobSubmitting, map[string]interface{}{"tokens": len(tokens)})

	var lastErr error

	for i, token := range tokens {
		o.logger.Info(fmt.Sprintf("🎬 [视频任务] %s: 使用令牌 #%d 尝试生成", jobID, i+1),
			"token", utils.MaskSecret(token))

		result, err := o.runVideoAttempt(ctx, jobID, token, req)
		if err == nil {
			result.TokenIndex = i + 1
			o.publishJobUpdate(jobID, JobCompleted, map[string]interface{}{"token_index": i + 1})
			o.trackSuccess(jobID, "video", model, req.Prompt, "1 video generated (streamed)", started)
			o.materializeInBackground(sess, token, req, result)
			return result, nil
		}

		if ctx.Err() != nil {
			// 取消的任务不计入令牌失败，也不触发任何下游副作用
			return nil, ctx.Err()
		}

		lastErr = err
		o.track(tracking.LogEntry{
			RequestID: jobID,
			Operation: "video",
			Model:     model,
			Prompt:    req.Prompt,
			Output:    fmt.Sprintf("Token #%d failed: %s", i+1, err.Error()),
			Status:    "error",
			Error:     err.Error(),
		})
		o.logger.Warn(fmt.Sprintf("⚠️ [视频任务] %s: 令牌 #%d 失败", jobID, i+1), "error", err)

		if i < len(tokens)-1 {
			o.logger.Info(fmt.Sprintf("🔄 [视频任务] %s: 切换下一个令牌重试", jobID))
		}
	}

	o.publishJobUpdate(jobID, JobFailed, map[string]interface{}{"error": lastErr.Error()})
	o.trackError(jobID, "video", model, req.Prompt, started,
		fmt.Errorf("all auth tokens failed: %w", lastErr))
	return nil, o.handleError(lastErr)
}

// runVideoAttempt 单令牌的完整尝试
func (o *Orchestrator) runVideoAttempt(ctx context.Context, jobID string, token string, req VideoRequest) (*VideoResult, error) {
	mediaID, err := o.prepareReferenceImage(ctx, jobID, token, req)
	if err != nil {
		return nil, err
	}

	handles, err := o.client.SubmitVideoJob(ctx, token, api.VideoSubmitRequest{
		Prompt:         req.Prompt,
		Model:          o.config.VideoModel,
		AspectRatio:    aspectClass(req.AspectRatio),
		NegativePrompt: req.NegativePrompt,
		MediaID:        mediaID,
		Resolution:     req.Resolution,
	})
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("video generation failed to start, the API did not return any operations")
	}

	o.publishJobUpdate(jobID, JobPolling, map[string]interface{}{"handles": len(handles)})
	return o.pollVideoJob(ctx, jobID, token, handles[0])
}

// prepareReferenceImage 参考图像预处理：宽高比裁剪(失败非致命)后上传，
// 返回媒体引用ID；没有图像时返回空串
func (o *Orchestrator) prepareReferenceImage(ctx context.Context, jobID string, token string, req VideoRequest) (string, error) {
	if req.Image == nil {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(req.Image.Data)
	if err != nil {
		return "", fmt.Errorf("decode reference image: %w", err)
	}

	mimeType := req.Image.MimeType
	if req.AspectRatio == "16:9" || req.AspectRatio == "9:16" {
		cropped, croppedMime, cropErr := media.CropToAspect(raw, req.AspectRatio)
		if cropErr != nil {
			// 裁剪失败降级为原图
			o.logger.Warn(fmt.Sprintf("⚠️ [视频任务] %s: 参考图裁剪失败，使用原图", jobID), "error", cropErr)
		} else {
			raw = cropped
			mimeType = croppedMime
		}
	}

	o.publishJobUpdate(jobID, JobUploading, nil)
	mediaID, err := o.client.UploadVideoImage(ctx, token, mimeType, raw)
	if err != nil {
		return "", fmt.Errorf("upload reference image: %w", err)
	}
	return mediaID, nil
}

// pollVideoJob 固定间隔轮询直到取到结果URL、遇到硬失败或达到轮询上限
func (o *Orchestrator) pollVideoJob(ctx context.Context, jobID string, token string, handle string) (*VideoResult, error) {
	ticker := time.NewTicker(o.config.VideoPollInterval)
	defer ticker.Stop()

	for polls := 0; polls < o.config.VideoMaxPolls; polls++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		body, err := o.client.VideoJobStatus(ctx, token, handle)
		if err != nil {
			return nil, err
		}
		if body == "" || !gjson.Valid(body) {
			// 空或无法解析的响应视为瞬态，下一轮重试；无法解析时落盘原始响应便于排查
			if body != "" {
				utils.WriteJobDebugResponse(jobID, "status", body)
			}
			o.logger.Warn(fmt.Sprintf("⚠️ [视频任务] %s: 状态响应为空或无法解析，继续轮询", jobID))
			continue
		}

		op := gjson.Parse(body)

		if errField := op.Get("error"); errField.Exists() {
			message := errField.Get("message").String()
			if message == "" {
				message = errField.Get("code").String()
			}
			if message == "" {
				message = "unknown error"
			}
			return nil, fmt.Errorf("video generation failed: %s", message)
		}

		status := op.Get("status").String()
		if status == "MEDIA_GENERATION_STATUS_FAILED" {
			return nil, fmt.Errorf("video generation failed on the server, the request may have been blocked by safety policies, try modifying the prompt or the image")
		}

		done := op.Get("done").Bool() || completedStatuses[status]
		if !done {
			continue
		}

		url := firstMatch(op, videoURLPaths)
		if url == "" {
			return nil, fmt.Errorf("video generation finished without an error but no output was produced, the request may have been blocked by safety policies")
		}

		return &VideoResult{
			JobID:        jobID,
			VideoURL:     url,
			ThumbnailURL: firstMatch(op, thumbnailPaths),
		}, nil
	}

	return nil, fmt.Errorf("video job did not reach a terminal state within %d polls", o.config.VideoMaxPolls)
}

// materializeInBackground 完成后的后台物化：下载产物，写历史、
// 外发通知、递增用量。失败只记录日志，不回滚已交付的成功结果。
func (o *Orchestrator) materializeInBackground(sess *credential.Session, token string, req VideoRequest, result *VideoResult) {
	historyPrompt := req.HistoryPrompt
	if historyPrompt == "" {
		historyPrompt = "Video: " + req.Prompt
	}

	o.bgWG.Add(1)
	go func() {
		defer o.bgWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		artifact, err := o.client.FetchArtifact(ctx, token, result.VideoURL)
		if err != nil {
			o.logger.Error(fmt.Sprintf("❌ [视频任务] %s: 后台下载产物失败", result.JobID), "error", err)
			return
		}
		o.logger.Info(fmt.Sprintf("📦 [视频任务] %s: 产物物化完成, 大小 %s",
			result.JobID, utils.FormatFileSize(int64(len(artifact)))))

		if o.collab == nil {
			return
		}

		userID := ""
		if user := sess.User(); user != nil {
			userID = user.ID
		}

		if err := o.collab.AppendHistory(ctx, collab.HistoryEntry{
			UserID:    userID,
			Type:      "video",
			Model:     o.config.VideoModel,
			Prompt:    historyPrompt,
			ResultURL: result.VideoURL,
		}); err != nil {
			o.logger.Warn("视频历史记录写入失败", "job", result.JobID, "error", err)
		}

		o.collab.Notify(ctx, collab.WebhookPayload{
			Event:  "generation.video",
			UserID: userID,
			Data: map[string]interface{}{
				"prompt": utils.Truncate(historyPrompt, 500),
				"result": result.VideoURL,
			},
		})

		if userID != "" {
			updated, err := o.collab.IncrementUsage(ctx, userID, "video")
			if err != nil {
				o.logger.Warn("视频用量递增失败", "user", userID, "error", err)
				return
			}
			sess.SetUser(updated)
			o.publishUsageUpdated(updated)
		}
	}()
}

func (o *Orchestrator) publishJobUpdate(jobID string, state JobState, extra map[string]interface{}) {
	if o.bus == nil {
		return
	}
	data := map[string]interface{}{
		"job_id": jobID,
		"state":  string(state),
	}
	for k, v := range extra {
		data[k] = v
	}
	o.bus.Publish(events.Event{
		Type:      events.EventVideoJobUpdated,
		Source:    "orchestrator",
		Timestamp: time.Now(),
		Priority:  events.PriorityNormal,
		Data:      data,
	})
}

// aspectClass 宽高比到横竖屏类别的归一化
func aspectClass(ratio string) string {
	switch ratio {
	case "9:16", "3:4":
		return "portrait"
	default:
		return "landscape"
	}
}

func firstMatch(op gjson.Result, paths []string) string {
	for _, path := range paths {
		if v := op.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
