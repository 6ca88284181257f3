package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// getLogDir 获取项目日志目录，默认为 logs/
func getLogDir() string {
	// 项目统一使用 logs/ 目录作为日志输出目录
	// 与 config/config.go 中的默认设置保持一致
	return "logs"
}

// WriteJobDebugResponse 异步保存视频任务状态解析失败的响应数据用于调试
// 不影响主流程性能，如果写入失败也会静默忽略
// 同一jobID的多次调用会追加到同一文件中
func WriteJobDebugResponse(jobID, operation, responseBody string) {
	if jobID == "" {
		return
	}

	// 异步写入，不阻塞主流程
	go func() {
		logDir := getLogDir()
		// 确保日志目录存在
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return // 静默失败，不影响主流程
		}

		// 文件名：logs/{jobID}.debug
		filename := filepath.Join(logDir, fmt.Sprintf("%s.debug", jobID))

		// 创建调试内容
		debugContent := "\n=== 视频任务状态解析失败调试信息 ===\n"
		debugContent += fmt.Sprintf("任务ID: %s\n", jobID)
		debugContent += fmt.Sprintf("操作: %s\n", operation)
		debugContent += fmt.Sprintf("时间: %s\n", time.Now().Format("2006-01-02 15:04:05"))
		debugContent += fmt.Sprintf("响应长度: %d 字节\n", len(responseBody))
		debugContent += "=== 响应内容 ===\n" + responseBody + "\n"
		debugContent += "=== 分割线 ===\n\n"

		// 追加写入文件（如果失败，静默忽略）
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return // 静默失败
		}
		defer file.Close()

		file.WriteString(debugContent)
	}()
}
