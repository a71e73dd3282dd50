package image

import (
	"context"
	"strings"
)

// GenerateRequest describes a normalized request passed to any image provider.
type GenerateRequest struct {
	Prompt    string
	Style     Style
	Width     int
	Height    int
	Seed      int
	RequestID string
}

// Asset represents one generated image.
type Asset struct {
	URL    string
	Format string
	Width  int
	Height int
	Seed   int
	Data   []byte
}

// Generator is the contract implemented by all image providers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Asset, error)
}

// Extension maps a MIME type to a file extension.
func Extension(format string) string {
	switch normalizeFormat(format) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func normalizeFormat(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/jpeg", "image/jpg":
		return "image/jpeg"
	case "image/png":
		return "image/png"
	default:
		if strings.HasPrefix(mime, "image/") {
			return mime
		}
		return "image/png"
	}
}
