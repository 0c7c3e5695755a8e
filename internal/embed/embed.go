// Package embed computes face embeddings with an ONNX model.
package embed

import (
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// InputSize is the square side, in pixels, the model expects.
	InputSize = 112
	// DefaultDim is the embedding length of the bundled FaceNet model.
	DefaultDim = 128
)

// ErrDegenerateEmbedding is returned when the model output cannot identify anyone.
var ErrDegenerateEmbedding = errors.New("degenerate embedding")

// Preprocess resizes face to InputSize x InputSize and writes it into dst as
// NHWC RGB floats normalized to roughly [-1, 1].
func Preprocess(face image.Image, dst []float32) error {
	if face == nil || face.Bounds().Empty() {
		return errors.New("empty face image")
	}
	if want := InputSize * InputSize * 3; len(dst) != want {
		return fmt.Errorf("destination holds %d floats, needs %d", len(dst), want)
	}

	img := resize.Resize(InputSize, InputSize, face, resize.Bilinear)
	b := img.Bounds()

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			dst[i] = normalize(r)
			dst[i+1] = normalize(g)
			dst[i+2] = normalize(bl)
			i += 3
		}
	}
	return nil
}

func normalize(c uint32) float32 {
	return (float32(c>>8) - 127.5) / 128
}

// CheckEmbedding rejects model output that is empty, all zeros or not finite.
func CheckEmbedding(vec []float32) error {
	if len(vec) == 0 {
		return errors.Wrap(ErrDegenerateEmbedding, "empty output")
	}
	zero := true
	for i, v := range vec {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Wrapf(ErrDegenerateEmbedding, "non-finite value at %d", i)
		}
		if v != 0 {
			zero = false
		}
	}
	if zero {
		return errors.Wrap(ErrDegenerateEmbedding, "all zeros")
	}
	return nil
}

// Config describes the model and runtime.
type Config struct {
	ModelPath string
	// LibraryPath points at libonnxruntime. Empty uses the loader's default.
	LibraryPath string
	InputName   string
	OutputName  string
	Dim         int
	Threads     int
}

var envOnce sync.Once
var envErr error

func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// ONNXExtractor runs one ONNX session. The session reuses fixed input and
// output tensors, so calls to Embed are serialized.
type ONNXExtractor struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXExtractor loads the model described by cfg.
func NewONNXExtractor(cfg Config) (*ONNXExtractor, error) {
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "embeddings"
	}
	if cfg.Dim <= 0 {
		cfg.Dim = DefaultDim
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrap(err, "ONNX model not found")
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, errors.Wrap(err, "error initializing ORT environment")
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, InputSize, InputSize, 3))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.Dim)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		options.SetIntraOpNumThreads(cfg.Threads)
	}

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
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	return &ONNXExtractor{session: session, input: input, output: output}, nil
}

// Embed returns the embedding of a cropped face.
func (e *ONNXExtractor) Embed(face image.Image) (types.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, errors.New("extractor closed")
	}
	if err := Preprocess(face, e.input.GetData()); err != nil {
		return nil, err
	}
	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	vec := types.Embedding(e.output.GetData()).Clone()
	if err := CheckEmbedding(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Close releases the session and its tensors.
func (e *ONNXExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	e.session = nil
	return err
}
