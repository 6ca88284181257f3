package classify

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Category 错误分类枚举
type Category int

const (
	CategoryUnknown Category = iota
	CategoryAuthInvalid
	CategoryVeoAuthFailure
	CategoryQuotaExhausted
	CategoryBadRequest
	CategoryServerUnavailable
	CategoryNetwork
)

// String 返回分类的名称
func (c Category) String() string {
	switch c {
	case CategoryAuthInvalid:
		return "auth_invalid"
	case CategoryVeoAuthFailure:
		return "veo_auth_failure"
	case CategoryQuotaExhausted:
		return "quota_exhausted"
	case CategoryBadRequest:
		return "bad_request"
	case CategoryServerUnavailable:
		return "server_unavailable"
	case CategoryNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// IsCredential 判断是否属于凭据类错误（触发自动修复）
func (c Category) IsCredential() bool {
	return c == CategoryAuthInvalid || c == CategoryVeoAuthFailure
}

// APIError 带分类的结构化错误
type APIError struct {
	Category   Category
	Code       string // HTTP状态码或网络哨兵值，可为空
	Message    string // 原始错误消息
	Suggestion string // 分类对应的处理建议，可为空
}

// Error 实现 error 接口，第一行保留原始消息，建议附加在后
func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("[Code: %s] %s", e.Code, msg)
	}
	if e.Suggestion != "" {
		msg = msg + "\n" + e.Suggestion
	}
	return msg
}

// AsAPIError 从错误链中提取 APIError
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

const netSentinel = "NET"

var (
	// 匹配嵌入的JSON片段，取首尾花括号之间的最大块
	jsonFragmentPattern = regexp.MustCompile(`(?s)(\{.*\})`)

	// 匹配 [403] 或独立的三位状态码
	codePattern = regexp.MustCompile(`\[(\d{3})\]|\b(\d{3})\b`)
)

// Classify 将任意错误映射为结构化的 APIError。纯函数，绝不panic。
// 远程传输边界已带状态码的错误走 FromStatus 快速路径，
// 这里的文本扫描只服务于真正无结构的错误文本。
func Classify(err error) *APIError {
	if err == nil {
		return &APIError{Category: CategoryUnknown, Message: "unknown error"}
	}

	if apiErr, ok := AsAPIError(err); ok {
		return apiErr
	}

	message := err.Error()
	code := extractCode(message)
	category := resolveCategory(code, message)

	return &APIError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// FromStatus 结构化传输边界的快速路径：状态码已知，不再做文本扫描
func FromStatus(status int, body string, message string) *APIError {
	if message == "" {
		message = shortMessageFromBody(body)
	}
	code := fmt.Sprintf("%d", status)
	return &APIError{
		Category: resolveCategory(code, message),
		Code:     code,
		Message:  message,
	}
}

// NetworkError 构造网络失败的哨兵错误
func NetworkError(message string) *APIError {
	return &APIError{
		Category: CategoryNetwork,
		Code:     netSentinel,
		Message:  message,
	}
}

// VeoAuthError 构造视频认证令牌失败的错误
func VeoAuthError(message string) *APIError {
	return &APIError{
		Category: CategoryVeoAuthFailure,
		Code:     "401",
		Message:  message,
	}
}

// extractCode 从错误文本中提取状态码：嵌入JSON的 error.code 优先，
// 其次是方括号/独立三位数字，最后按关键字推断
func extractCode(message string) string {
	if fragment := jsonFragmentPattern.FindString(message); fragment != "" {
		if result := gjson.Get(fragment, "error.code"); result.Exists() {
			return result.String()
		}
	}

	if m := codePattern.FindStringSubmatch(message); m != nil {
		if m[1] != "" {
			return m[1]
		}
		return m[2]
	}

	return inferCodeFromKeywords(message)
}

// inferCodeFromKeywords 无状态码时按消息关键字推断
func inferCodeFromKeywords(message string) string {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "api key not valid"):
		return "403"
	case strings.Contains(lower, "resource exhausted"), strings.Contains(lower, "quota"):
		return "429"
	case strings.Contains(lower, "bad request"):
		return "400"
	case strings.Contains(lower, "server error"), strings.Contains(lower, "503"):
		return "500"
	case strings.Contains(lower, "failed to fetch"), strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"):
		return netSentinel
	}

	return ""
}

// resolveCategory 按状态码和消息内容确定分类。
// 视频认证规则优先于通用认证规则。
func resolveCategory(code string, message string) Category {
	lower := strings.ToLower(message)

	if isVeoAuthFailure(code, lower) {
		return CategoryVeoAuthFailure
	}

	if code == "401" || code == "403" {
		return CategoryAuthInvalid
	}
	if code == "400" && strings.Contains(lower, "api key not valid") {
		return CategoryAuthInvalid
	}

	switch code {
	case "429":
		return CategoryQuotaExhausted
	case "400":
		return CategoryBadRequest
	case "500", "503":
		return CategoryServerUnavailable
	case netSentinel:
		return CategoryNetwork
	}

	return CategoryUnknown
}

// isVeoAuthFailure 视频令牌认证失败的判定
func isVeoAuthFailure(code string, lower string) bool {
	if code == "401" || code == "403" {
		if strings.Contains(lower, "veo") ||
			strings.Contains(lower, "video") ||
			strings.Contains(lower, "auth token") ||
			strings.Contains(lower, "unauthorized") {
			return true
		}
	}

	// 消息本身点名视频认证失败时不依赖状态码
	return strings.Contains(lower, "veo auth failed") ||
		strings.Contains(lower, "veo authentication failed") ||
		strings.Contains(lower, "video auth token invalid")
}

// Enrich 附加分类对应的处理建议。消息已含建议时不重复追加。
func Enrich(apiErr *APIError) *APIError {
	if apiErr == nil {
		return nil
	}
	if apiErr.Suggestion != "" {
		return apiErr
	}

	lower := strings.ToLower(apiErr.Message)
	if strings.Contains(lower, "please ensure") || strings.Contains(lower, "please try") {
		return apiErr
	}

	switch apiErr.Category {
	case CategoryAuthInvalid:
		apiErr.Suggestion = "API key is invalid or revoked. Please check the key or claim a new one."
	case CategoryVeoAuthFailure:
		apiErr.Suggestion = "Video auth token is invalid or expired. Please refresh the token set."
	case CategoryQuotaExhausted:
		apiErr.Suggestion = "Quota exhausted. Please wait a while and try again."
	case CategoryBadRequest:
		apiErr.Suggestion = "The request was rejected. Please try a simpler prompt or a different image."
	case CategoryServerUnavailable:
		apiErr.Suggestion = "The service is temporarily unavailable. Please try again shortly."
	case CategoryNetwork:
		apiErr.Suggestion = "Network request failed. Please check the connection and try again."
	}

	return apiErr
}

// shortMessageFromBody 从JSON错误响应体中提取首行可读消息
func shortMessageFromBody(body string) string {
	if body == "" {
		return "request failed"
	}
	if result := gjson.Get(body, "error.message"); result.Exists() {
		return firstLine(result.String())
	}
	return firstLine(body)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
