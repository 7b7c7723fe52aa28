package pipeline

import (
	"image"

	"github.com/dunamismax/pixelconvert/internal/domain"
)

const (
	jpegQuality = 95
	webpQuality = 80
)

// Codec turns encoded bytes into a raster and back.
type Codec interface {
	Decode(data []byte) (image.Image, error)
	Encode(img image.Image, format domain.Format) ([]byte, error)
}

// NewCodec returns the codec selected at build time: libvips when built with
// the govips tag and cgo, the pure Go codec otherwise.
func NewCodec() (Codec, error) {
	return newCodec()
}
