package api

import "context"

// Part 请求内容片段，文本和内联数据二选一
type Part struct {
	Text   string
	Inline *InlineData
}

// InlineData base64编码的内联媒体数据
type InlineData struct {
	MimeType string
	Data     string
}

// ContentRequest 一次生成调用的请求
type ContentRequest struct {
	Parts              []Part
	SystemInstruction  string
	ResponseModalities []string // 如 ["TEXT"]、["IMAGE"]、["AUDIO"]
	EnableSearch       bool     // 启用搜索工具
	SpeechVoice        string   // 语音合成的音色名，仅AUDIO模态使用
	MaxOutputTokens    int
}

// InlineImage 响应中的内联图像
type InlineImage struct {
	MimeType string
	Data     []byte
}

// ContentResponse 一次生成调用的响应
type ContentResponse struct {
	Text          string
	Images        []InlineImage
	Audio         []byte // 原始PCM采样数据
	SafetyBlocked bool
	BlockReason   string
	Sources       []GroundingSource
}

// GroundingSource 搜索工具返回的出处
type GroundingSource struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// StreamChunk 流式文本响应的增量片段
type StreamChunk struct {
	Text string
	Err  error // 非nil表示流已中断，之后通道关闭
}

// VideoSubmitRequest 视频任务提交请求
type VideoSubmitRequest struct {
	Prompt         string
	Model          string
	AspectRatio    string
	NegativePrompt string
	MediaID        string // 上传后的图像引用，可为空
	Resolution     string
}

// Client 远程生成服务的RPC边界。所有实现都在此边界
// 把失败翻译为带分类的结构化错误。
type Client interface {
	// GenerateContent 一次非流式生成调用
	GenerateContent(ctx context.Context, secret string, model string, req ContentRequest) (*ContentResponse, error)

	// StreamContent 流式文本生成，通道在流结束或出错后关闭
	StreamContent(ctx context.Context, secret string, model string, req ContentRequest) (<-chan StreamChunk, error)

	// UploadVideoImage 上传视频参考图像，返回媒体引用ID
	UploadVideoImage(ctx context.Context, token string, mimeType string, data []byte) (string, error)

	// SubmitVideoJob 提交视频生成任务，返回操作句柄列表
	SubmitVideoJob(ctx context.Context, token string, req VideoSubmitRequest) ([]string, error)

	// VideoJobStatus 查询操作句柄状态，返回原始JSON响应体
	VideoJobStatus(ctx context.Context, token string, handle string) (string, error)

	// FetchArtifact 下载生成产物
	FetchArtifact(ctx context.Context, token string, url string) ([]byte, error)
}
