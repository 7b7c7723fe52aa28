package segment

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillInputNormalisesChannels(t *testing.T) {
	const size = 4
	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 0, A: 255})
		}
	}

	dst := make([]float32, 3*size*size)
	require.NoError(t, fillInput(src, dst, size))

	plane := size * size
	// Brightest channel is 200, so red scales to 1.0 and green to 0.5.
	assert.InDelta(t, (1.0-0.485)/0.229, dst[0], 0.05)
	assert.InDelta(t, (0.5-0.456)/0.224, dst[plane], 0.05)
	assert.InDelta(t, (0.0-0.406)/0.225, dst[2*plane], 0.05)
}

func TestFillInputRejectsShortTensor(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	err := fillInput(src, make([]float32, 5), 2)
	assert.Error(t, err)
}

func TestMaskFromPrediction(t *testing.T) {
	mask, err := maskFromPrediction([]float32{-2, 0, 2, 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 128, 255, 255}, mask.Pix)

	flat, err := maskFromPrediction([]float32{0.3, 0.3, 0.3, 0.3}, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 255, 255, 255}, flat.Pix)

	_, err = maskFromPrediction([]float32{1}, 2)
	assert.Error(t, err)
}

func TestApplyMask(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 40, G: 50, B: 60, A: 255})

	mask := image.NewGray(image.Rect(0, 0, 2, 1))
	mask.SetGray(0, 0, color.Gray{Y: 0})
	mask.SetGray(1, 0, color.Gray{Y: 255})

	out := applyMask(src, mask)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).A)
	assert.Equal(t, color.NRGBA{R: 40, G: 50, B: 60, A: 255}, out.NRGBAAt(1, 0))
	assert.Equal(t, uint8(10), out.NRGBAAt(0, 0).R)
}

func TestNewONNXRemoverValidatesConfig(t *testing.T) {
	_, err := NewONNXRemover(ONNXConfig{ModelPath: "model.onnx"})
	assert.Error(t, err)

	_, err = NewONNXRemover(ONNXConfig{
		ModelPath:  t.TempDir() + "/missing.onnx",
		InputName:  "input.1",
		OutputName: "1959",
	})
	assert.Error(t, err)
}
