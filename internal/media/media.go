package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"
)

// ParseAspectRatio 解析 "16:9" 形式的宽高比
func ParseAspectRatio(ratio string) (int, int, error) {
	parts := strings.SplitN(ratio, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid aspect ratio %q", ratio)
	}
	var w, h int
	if _, err := fmt.Sscanf(ratio, "%d:%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid aspect ratio %q", ratio)
	}
	return w, h, nil
}

// CropToAspect 将图像居中裁剪到目标宽高比并重新编码。
// 输入已符合目标比例时原样返回。
func CropToAspect(data []byte, ratio string) ([]byte, string, error) {
	targetW, targetH, err := ParseAspectRatio(ratio)
	if err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	// 已符合目标比例
	if srcW*targetH == srcH*targetW {
		return data, "image/" + format, nil
	}

	cropW, cropH := srcW, srcH
	if srcW*targetH > srcH*targetW {
		// 过宽，裁剪宽度
		cropW = srcH * targetW / targetH
	} else {
		// 过高，裁剪高度
		cropH = srcW * targetH / targetW
	}

	x0 := bounds.Min.X + (srcW-cropW)/2
	y0 := bounds.Min.Y + (srcH-cropH)/2
	cropRect := image.Rect(0, 0, cropW, cropH)

	cropped := image.NewRGBA(cropRect)
	draw.Draw(cropped, cropRect, img, image.Pt(x0, y0), draw.Src)

	var out bytes.Buffer
	switch format {
	case "jpeg":
		if err := jpeg.Encode(&out, cropped, &jpeg.Options{Quality: 92}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return out.Bytes(), "image/jpeg", nil
	default:
		if err := png.Encode(&out, cropped); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return out.Bytes(), "image/png", nil
	}
}

// WrapPCMAsWAV 把原始PCM采样数据包装为WAV容器。
// 语音合成返回的是裸采样，没有容器头，直接播放会被当作噪音。
func WrapPCMAsWAV(pcm []byte, sampleRate int, channels int, bitsPerSample int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))

	// RIFF头
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	// fmt块
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	// data块
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(pcm)

	return buf.Bytes()
}
