// Package logging 提供按大小轮转的日志文件写入器
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileRotator 按大小轮转的日志文件写入器。当前文件达到maxSize后
// 轮转为 path.1，旧文件依次后移，超出maxFiles的最旧文件被删除。
// 开启压缩时轮转出的文件以gzip保存为 path.N.gz。
type FileRotator struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	file *os.File
	size int64
}

// ParseSize 解析 "100MB"、"1GB"、"512KB" 这样的大小字符串为字节数。
// 纯数字视为字节。
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("size string is empty")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", value)
	}
	return value * multiplier, nil
}

// NewFileRotator 创建轮转器并打开(必要时创建)日志文件，目录不存在时自动创建
func NewFileRotator(path string, maxSize int64, maxFiles int, compress bool) (*FileRotator, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if maxSize <= 0 {
		maxSize = 100 * 1024 * 1024
	}
	if maxFiles <= 0 {
		maxFiles = 10
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	r := &FileRotator{
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		compress: compress,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

// Write 实现io.Writer。单条写入超过maxSize时仍完整写出，在下一条写入前轮转。
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, fmt.Errorf("rotator is closed")
	}

	if r.size+int64(len(p)) > r.maxSize && r.size > 0 {
		if err := r.rotate(); err != nil {
			// 轮转失败继续写当前文件，避免丢日志
			fmt.Fprintf(os.Stderr, "日志轮转失败: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Sync 将缓冲数据刷入磁盘
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close 关闭当前日志文件
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotate 关闭当前文件，旧文件序号后移，重新打开新文件。调用方须持有锁。
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}
	r.file = nil

	// path.N(.gz) -> path.N+1(.gz)，从最大序号开始后移
	suffix := ""
	if r.compress {
		suffix = ".gz"
	}
	for i := r.maxFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d%s", r.path, i, suffix)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if i == r.maxFiles-1 {
			os.Remove(from)
			continue
		}
		to := fmt.Sprintf("%s.%d%s", r.path, i+1, suffix)
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("shift rotated file %s: %w", from, err)
		}
	}

	rotated := r.path + ".1"
	if r.compress {
		if err := compressFile(r.path, rotated+".gz"); err != nil {
			return fmt.Errorf("compress rotated file: %w", err)
		}
		os.Remove(r.path)
	} else {
		if err := os.Rename(r.path, rotated); err != nil {
			return fmt.Errorf("rename current log file: %w", err)
		}
	}

	return r.open()
}

// compressFile 将src以gzip压缩写入dst
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// RotatedFiles 返回当前存在的轮转文件列表，按序号升序
func (r *FileRotator) RotatedFiles() []string {
	r.mu.Lock()
	path := r.path
	compress := r.compress
	maxFiles := r.maxFiles
	r.mu.Unlock()

	suffix := ""
	if compress {
		suffix = ".gz"
	}

	var files []string
	for i := 1; i < maxFiles; i++ {
		name := fmt.Sprintf("%s.%d%s", path, i, suffix)
		if _, err := os.Stat(name); err == nil {
			files = append(files, name)
		}
	}
	return files
}
