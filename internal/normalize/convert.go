package normalize

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/imaistudio/orchestrator/internal/metrics"
)

// Encodings the generation backends accept as-is. Anything else gets
// re-encoded to PNG when decodable, or rejected.
var supportedContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

var extensionContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// EnsureSupportedFormat returns the payload in a downstream-supported
// encoding. Unsupported but decodable images are re-encoded to PNG. When
// format detection itself fails, it falls back to MIME-sniff/extension
// validation before giving up.
func EnsureSupportedFormat(data []byte, ref string) ([]byte, string, error) {
	sniffed := http.DetectContentType(data)
	if supportedContentTypes[sniffed] {
		return data, sniffed, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		var buf bytes.Buffer
		if encErr := png.Encode(&buf, img); encErr != nil {
			return nil, "", fmt.Errorf("re-encode %s to png: %w", format, encErr)
		}
		metrics.MediaReencoded.Inc()
		return buf.Bytes(), "image/png", nil
	}

	// Detection failed: basic MIME/extension validation as a last resort.
	if strings.HasPrefix(sniffed, "image/") || strings.HasPrefix(sniffed, "video/") {
		return data, sniffed, nil
	}
	if ct, ok := extensionContentTypes[strings.ToLower(filepath.Ext(ref))]; ok {
		return data, ct, nil
	}

	return nil, "", fmt.Errorf("undecodable payload (sniffed %s): %w", sniffed, err)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
