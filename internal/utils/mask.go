package utils

import "strings"

// MaskSecret 遮蔽密钥用于日志和接口展示，只保留首尾各4位
// 用法: utils.MaskSecret(secret)
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 4) + secret[len(secret)-4:]
}

// Truncate 截断长文本，超出部分以省略标记替代
// 用法: utils.Truncate(text, 500)
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	return text[:max] + "...[truncated]"
}
