package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Canonical encoder identifiers.
const (
	EncoderPNG  = "PNG"
	EncoderJPEG = "JPEG"
	EncoderGIF  = "GIF"
	EncoderBMP  = "BMP"
	EncoderTIFF = "TIFF"
	EncoderWEBP = "WEBP"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

// Format is a requested output format. Key keeps the spelling the caller
// asked for (jpg and jpeg are distinct keys sharing the JPEG encoder).
type Format struct {
	Key     string
	Encoder string
}

var supportedFormats = map[string]string{
	"png":  EncoderPNG,
	"jpg":  EncoderJPEG,
	"jpeg": EncoderJPEG,
	"gif":  EncoderGIF,
	"bmp":  EncoderBMP,
	"tiff": EncoderTIFF,
	"webp": EncoderWEBP,
}

var formatKeys = []string{"png", "jpg", "jpeg", "gif", "bmp", "tiff", "webp"}

func LookupFormat(name string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	encoder, ok := supportedFormats[key]
	if !ok {
		return Format{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	return Format{Key: key, Encoder: encoder}, nil
}

// FormatKeys returns the supported format keys in a stable order.
func FormatKeys() []string {
	out := make([]string, len(formatKeys))
	copy(out, formatKeys)
	return out
}

// SupportsAlpha reports whether the encoder can store transparency.
func (f Format) SupportsAlpha() bool {
	return f.Encoder != EncoderJPEG
}

func (f Format) ContentType() string {
	return ContentTypeForName("x." + f.Key)
}

// ContentTypeForName derives image/<extension> from a stored filename.
func ContentTypeForName(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return "application/octet-stream"
	}
	return "image/" + ext
}

// ConvertedName builds <basename>_converted.<key> for an input path.
func ConvertedName(inputPath string, f Format) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_converted.%s", base, f.Key)
}

// HasAllowedExtension checks the text after the last dot against allowed,
// case-insensitively.
func HasAllowedExtension(filename string, allowed []string) bool {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return false
	}
	ext := strings.ToLower(filename[idx+1:])
	for _, candidate := range allowed {
		if ext == strings.ToLower(candidate) {
			return true
		}
	}
	return false
}
