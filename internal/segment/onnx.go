package segment

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"sync"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// DefaultInputSize is the square input edge of U²-Net style saliency models.
const DefaultInputSize = 320

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}

	envMu sync.Mutex
)

type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	InputSize   int
}

// ONNXRemover predicts a foreground mask with a saliency model and uses it as
// the alpha channel of the source image.
type ONNXRemover struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	size    int
}

func NewONNXRemover(cfg ONNXConfig) (*ONNXRemover, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.InputName == "" || cfg.OutputName == "" {
		return nil, errors.New("model input and output names are required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model file %s", cfg.ModelPath)
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	size := int64(cfg.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, size, size))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "create onnx session")
	}

	return &ONNXRemover{
		session: session,
		input:   input,
		output:  output,
		size:    cfg.InputSize,
	}, nil
}

func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		if _, err := os.Stat(libraryPath); err != nil {
			return errors.Wrapf(err, "onnxruntime library %s", libraryPath)
		}
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	return nil
}

func (r *ONNXRemover) Remove(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode input image")
	}

	mask, err := r.predict(src)
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	alpha := resize.Resize(uint(bounds.Dx()), uint(bounds.Dy()), mask, resize.Lanczos3)
	cutout := applyMask(src, alpha)

	var buf bytes.Buffer
	if err := png.Encode(&buf, cutout); err != nil {
		return nil, errors.Wrap(err, "encode cutout")
	}
	return buf.Bytes(), nil
}

func (r *ONNXRemover) predict(src image.Image) (*image.Gray, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil, errors.New("onnx remover is closed")
	}
	if err := fillInput(src, r.input.GetData(), r.size); err != nil {
		return nil, err
	}
	if err := r.session.Run(); err != nil {
		return nil, errors.Wrap(err, "run segmentation model")
	}
	return maskFromPrediction(r.output.GetData(), r.size)
}

func (r *ONNXRemover) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.session != nil {
		firstErr = r.session.Destroy()
		r.session = nil
	}
	if r.input != nil {
		if err := r.input.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.input = nil
	}
	if r.output != nil {
		if err := r.output.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.output = nil
	}
	return firstErr
}

// fillInput writes src as a normalised NCHW tensor of edge size into dst.
// Pixels are scaled by the brightest channel value before the ImageNet
// mean/std normalisation.
func fillInput(src image.Image, dst []float32, size int) error {
	plane := size * size
	if len(dst) < plane*3 {
		return errors.Errorf("input tensor holds %d floats, needs %d", len(dst), plane*3)
	}

	resized := resize.Resize(uint(size), uint(size), src, resize.Lanczos3)
	b := resized.Bounds()

	var peak float32
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			peak = math32.Max(peak, math32.Max(float32(r>>8), math32.Max(float32(g>>8), float32(bl>>8))))
		}
	}
	peak = math32.Max(peak, 1e-6)

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			dst[i] = (float32(r>>8)/peak - imagenetMean[0]) / imagenetStd[0]
			dst[plane+i] = (float32(g>>8)/peak - imagenetMean[1]) / imagenetStd[1]
			dst[2*plane+i] = (float32(bl>>8)/peak - imagenetMean[2]) / imagenetStd[2]
			i++
		}
	}
	return nil
}

// maskFromPrediction min-max normalises the first output plane into a gray
// mask. A flat prediction carries no foreground signal and keeps every pixel.
func maskFromPrediction(pred []float32, size int) (*image.Gray, error) {
	plane := size * size
	if len(pred) < plane {
		return nil, errors.Errorf("prediction holds %d floats, needs %d", len(pred), plane)
	}
	pred = pred[:plane]

	lo, hi := math32.Inf(1), math32.Inf(-1)
	for _, v := range pred {
		lo = math32.Min(lo, v)
		hi = math32.Max(hi, v)
	}

	mask := image.NewGray(image.Rect(0, 0, size, size))
	span := hi - lo
	for i, v := range pred {
		if span <= 0 {
			mask.Pix[i] = 255
			continue
		}
		n := (v - lo) / span
		mask.Pix[i] = uint8(math32.Round(math32.Min(math32.Max(n, 0), 1) * 255))
	}
	return mask, nil
}

// applyMask scales the source alpha by the mask, which must cover the
// source dimensions.
func applyMask(src image.Image, mask image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	mb := mask.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			m := color.GrayModel.Convert(mask.At(mb.Min.X+x, mb.Min.Y+y)).(color.Gray).Y
			i := dst.PixOffset(x, y) + 3
			dst.Pix[i] = uint8(uint16(dst.Pix[i]) * uint16(m) / 255)
		}
	}
	return dst
}
