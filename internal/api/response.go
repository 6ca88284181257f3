package api

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// Processor 响应体读取与解压
type Processor struct{}

// NewProcessor 创建响应处理器
func NewProcessor() *Processor {
	return &Processor{}
}

// ReadAndDecompress 读取响应体并按 Content-Encoding 解压
func (p *Processor) ReadAndDecompress(resp *http.Response) ([]byte, error) {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	contentEncoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	switch contentEncoding {
	case "", "identity":
		return bodyBytes, nil

	case "gzip":
		gzipReader, err := gzip.NewReader(bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzipReader.Close()
		return io.ReadAll(gzipReader)

	case "deflate":
		deflateReader := flate.NewReader(bytes.NewReader(bodyBytes))
		defer deflateReader.Close()
		return io.ReadAll(deflateReader)

	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(bodyBytes)))

	default:
		// 未知编码，记录警告并按原始内容返回
		slog.Warn(fmt.Sprintf("⚠️ [压缩] 未知的内容编码: %s, 按原始内容处理", contentEncoding))
		return bodyBytes, nil
	}
}

// DecompressStreamReader 创建解压缩的流式读取器，保持流式特性
func (p *Processor) DecompressStreamReader(resp *http.Response) (io.ReadCloser, error) {
	contentEncoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if contentEncoding == "" || contentEncoding == "identity" {
		return resp.Body, nil
	}

	switch contentEncoding {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip stream reader: %w", err)
		}
		return gzipReader, nil

	case "deflate":
		return flate.NewReader(resp.Body), nil

	case "br":
		// brotli读取器需要包装一个closer
		return &brotliReadCloser{reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil

	default:
		slog.Warn(fmt.Sprintf("⚠️ [流式解压] 未知的内容编码: %s, 使用原始流", contentEncoding))
		return resp.Body, nil
	}
}

// brotliReadCloser 为brotli读取器添加Close方法
type brotliReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func (brc *brotliReadCloser) Read(p []byte) (int, error) {
	return brc.reader.Read(p)
}

func (brc *brotliReadCloser) Close() error {
	return brc.closer.Close()
}
