package service

import (
	"encoding/base64"
	"net/http"

	"github.com/unipass/backend/internal/domain"
)

const defaultMaxImageBytes = 512 << 10

// ImageEncoder turns uploaded image bytes into an asset reference stored on
// the profile.
type ImageEncoder interface {
	Encode(data []byte) (*domain.AssetRef, error)
}

// InlineImageEncoder embeds the image as a data URL.
type InlineImageEncoder struct {
	MaxBytes int
}

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

func (e InlineImageEncoder) Encode(data []byte) (*domain.AssetRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	limit := e.MaxBytes
	if limit <= 0 {
		limit = defaultMaxImageBytes
	}
	if len(data) > limit {
		return nil, domain.NewValidationError("photo", "image is too large")
	}
	contentType := http.DetectContentType(data)
	if _, ok := allowedImageTypes[contentType]; !ok {
		return nil, domain.NewValidationError("photo", "unsupported image type "+contentType)
	}
	return &domain.AssetRef{
		URL:         "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		ContentType: contentType,
	}, nil
}
