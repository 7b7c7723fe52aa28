package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelconvert/internal/domain"
	_ "golang.org/x/image/webp"
)

type stdCodec struct{}

func (stdCodec) Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func (stdCodec) Encode(img image.Image, format domain.Format) ([]byte, error) {
	var buf bytes.Buffer

	switch format.Encoder {
	case domain.EncoderJPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.EncoderPNG:
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.EncoderGIF:
		if err := encodeGIF(&buf, img); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case domain.EncoderBMP:
		if err := imaging.Encode(&buf, img, imaging.BMP); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case domain.EncoderTIFF:
		if err := imaging.Encode(&buf, img, imaging.TIFF); err != nil {
			return nil, fmt.Errorf("encode tiff: %w", err)
		}
	case domain.EncoderWEBP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: webpQuality}); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format.Key)
	}

	return buf.Bytes(), nil
}

// gifPalette holds 255 opaque entries (web-safe cube plus a gray ramp)
// followed by a single transparent entry at gifTransparentIndex.
var gifPalette = func() color.Palette {
	pal := make(color.Palette, 0, 256)
	pal = append(pal, palette.WebSafe...)
	for i := 1; len(pal) < 255; i++ {
		v := uint8(i * 255 / 40)
		pal = append(pal, color.RGBA{R: v, G: v, B: v, A: 0xff})
	}
	return append(pal, color.Transparent)
}()

var gifTransparentIndex = uint8(len(gifPalette) - 1)

// encodeGIF dithers the colour channels onto the opaque part of gifPalette
// and maps every pixel under half alpha to the transparent index.
func encodeGIF(w io.Writer, img image.Image) error {
	src := imaging.Clone(img)
	b := src.Bounds()

	opaque := imaging.Clone(src)
	for i := 3; i < len(opaque.Pix); i += 4 {
		opaque.Pix[i] = 0xff
	}

	dst := image.NewPaletted(b, gifPalette[:len(gifPalette)-1])
	draw.FloydSteinberg.Draw(dst, b, opaque, b.Min)
	dst.Palette = gifPalette

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if src.Pix[y*src.Stride+x*4+3] < 0x80 {
				dst.Pix[y*dst.Stride+x] = gifTransparentIndex
			}
		}
	}

	return gif.Encode(w, dst, &gif.Options{NumColors: len(gifPalette)})
}

// encodeLossless produces the PNG handed to background removers.
func encodeLossless(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
