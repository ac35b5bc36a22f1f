package recognition

import (
	"github.com/gabriel-vasile/mimetype"
	"github.com/lehigh-university-libraries/shelfscanner/internal/apperr"
	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
)

var allowedTypes = []string{"image/jpeg", "image/png", "image/webp"}

// ValidateImage checks size and sniffed content type. The declared file name
// or content type of an upload is never trusted.
func ValidateImage(data []byte, maxBytes int64) (providers.Image, error) {
	const op = "recognition.validate_image"
	if len(data) == 0 {
		return providers.Image{}, apperr.Errorf(apperr.InvalidInput, op, "image is empty")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return providers.Image{}, apperr.Errorf(apperr.InvalidInput, op, "image is %d bytes, limit is %d", len(data), maxBytes)
	}

	mt := mimetype.Detect(data)
	for _, allowed := range allowedTypes {
		if mt.Is(allowed) {
			return providers.Image{MIMEType: allowed, Data: data}, nil
		}
	}
	return providers.Image{}, apperr.Errorf(apperr.InvalidInput, op, "unsupported image type %s (allowed: jpeg, png, webp)", mt.String())
}
