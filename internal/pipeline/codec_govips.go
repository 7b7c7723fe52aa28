//go:build govips && cgo

package pipeline

import (
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/pixelconvert/internal/domain"
)

// govipsCodec decodes with the pure Go codec and encodes through libvips.
// libvips has no BMP saver, so BMP stays on the pure Go encoder.
type govipsCodec struct {
	stdCodec
}

func (c govipsCodec) Encode(img image.Image, format domain.Format) ([]byte, error) {
	if format.Encoder == domain.EncoderBMP {
		return c.stdCodec.Encode(img, format)
	}

	raw, err := encodeLossless(img)
	if err != nil {
		return nil, err
	}
	ref, err := vips.NewImageFromBuffer(raw)
	if err != nil {
		return nil, fmt.Errorf("load raster into vips: %w", err)
	}
	defer ref.Close()

	switch format.Encoder {
	case domain.EncoderJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = jpegQuality
		params.OptimizeCoding = true
		data, _, err := ref.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.EncoderPNG:
		data, _, err := ref.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.EncoderGIF:
		data, _, err := ref.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	case domain.EncoderTIFF:
		data, _, err := ref.ExportTiff(vips.NewTiffExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
		return data, nil
	case domain.EncoderWEBP:
		params := vips.NewWebpExportParams()
		params.Quality = webpQuality
		data, _, err := ref.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format.Key)
	}
}
