package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrRemoverUnavailable = errors.New("background remover is not configured")

// ProcessingError wraps any decode, removal, encode or write failure.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string {
	return "failed to convert image: " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

type Request struct {
	InputPath        string
	Format           string
	RemoveBackground bool
}

type Result struct {
	Filename          string
	Format            domain.Format
	Bytes             int
	Width             int
	Height            int
	BackgroundRemoved bool
}

type Converter struct {
	codec   Codec
	remover segment.Remover
	store   ArtifactStore
	tracer  trace.Tracer
}

// NewConverter wires a converter. remover may be nil, in which case requests
// asking for background removal fail with ErrRemoverUnavailable.
func NewConverter(codec Codec, remover segment.Remover, store ArtifactStore) (*Converter, error) {
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	return &Converter{
		codec:   codec,
		remover: remover,
		store:   store,
		tracer:  otel.Tracer("pixelconvert/pipeline"),
	}, nil
}

// NewLocalConverter writes converted files into outputDir using the build's
// default codec.
func NewLocalConverter(outputDir string, remover segment.Remover) (*Converter, error) {
	codec, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}
	store, err := NewLocalArtifactStore(outputDir)
	if err != nil {
		return nil, err
	}
	return NewConverter(codec, remover, store)
}

// Convert decodes the input, optionally strips its background and stores it
// re-encoded as <basename>_converted.<format>. Unsupported formats fail with
// domain.ErrUnsupportedFormat before the input is touched; every later failure
// is a *ProcessingError and leaves no output behind.
func (c *Converter) Convert(ctx context.Context, req Request) (Result, error) {
	format, err := domain.LookupFormat(req.Format)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.InputPath) == "" {
		return Result{}, &ProcessingError{Err: errors.New("input path is required")}
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.convert")
	span.SetAttributes(
		attribute.String("convert.format", format.Key),
		attribute.Bool("convert.remove_background", req.RemoveBackground),
	)
	defer span.End()

	result, err := c.convert(ctx, req, format)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion failed")
		return Result{}, &ProcessingError{Err: err}
	}

	span.SetAttributes(attribute.String("convert.output", result.Filename))
	span.SetStatus(codes.Ok, "converted")
	return result, nil
}

func (c *Converter) convert(ctx context.Context, req Request, format domain.Format) (Result, error) {
	var img image.Image
	err := c.stage(ctx, "decode", func(context.Context) error {
		data, err := os.ReadFile(req.InputPath)
		if err != nil {
			return fmt.Errorf("read input file: %w", err)
		}
		img, err = c.codec.Decode(data)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if req.RemoveBackground {
		err = c.stage(ctx, "remove_background", func(ctx context.Context) error {
			img, err = c.removeBackground(ctx, img)
			return err
		})
		if err != nil {
			return Result{}, err
		}
	}

	filename := domain.ConvertedName(req.InputPath, format)

	if !format.SupportsAlpha() {
		err = c.stage(ctx, "flatten", func(context.Context) error {
			img = flatten(img, color.White)
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	var encoded []byte
	err = c.stage(ctx, "encode", func(context.Context) error {
		encoded, err = c.codec.Encode(img, format)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	err = c.stage(ctx, "store", func(ctx context.Context) error {
		return c.store.Put(ctx, filename, encoded, format.ContentType())
	})
	if err != nil {
		return Result{}, err
	}

	bounds := img.Bounds()
	return Result{
		Filename:          filename,
		Format:            format,
		Bytes:             len(encoded),
		Width:             bounds.Dx(),
		Height:            bounds.Dy(),
		BackgroundRemoved: req.RemoveBackground,
	}, nil
}

// removeBackground hands the remover a PNG of the NRGBA raster and decodes
// its answer back into NRGBA.
func (c *Converter) removeBackground(ctx context.Context, img image.Image) (image.Image, error) {
	if c.remover == nil {
		return nil, ErrRemoverUnavailable
	}

	lossless, err := encodeLossless(imaging.Clone(img))
	if err != nil {
		return nil, err
	}
	out, err := c.remover.Remove(ctx, lossless)
	if err != nil {
		return nil, fmt.Errorf("remove background: %w", err)
	}
	cutout, err := c.codec.Decode(out)
	if err != nil {
		return nil, fmt.Errorf("decode background removal output: %w", err)
	}
	return imaging.Clone(cutout), nil
}

func (c *Converter) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ctx, span := c.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return fmt.Errorf("%s stage: %w", name, err)
	}
	return nil
}

// flatten composites img over an opaque backdrop, dropping transparency.
func flatten(img image.Image, backdrop color.Color) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), backdrop)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}
