// Package segment strips image backgrounds. Removers exchange encoded bytes:
// they receive a lossless (PNG) image and return a PNG of the same size with
// background pixels made transparent.
package segment

import "context"

type Remover interface {
	Remove(ctx context.Context, data []byte) ([]byte, error)
}

// RemoverFunc adapts a plain function to Remover.
type RemoverFunc func(ctx context.Context, data []byte) ([]byte, error)

func (f RemoverFunc) Remove(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

// Passthrough returns its input unchanged.
type Passthrough struct{}

func NewPassthrough() Passthrough {
	return Passthrough{}
}

func (Passthrough) Remove(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data, nil
}
