package cmd

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/rollcall/internal/embed"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/vision"
	"github.com/andresmejia3/rollcall/internal/worker"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var errNoFace = errors.New("no face detected")

type detectorCloser interface {
	pipeline.Detector
	io.Closer
}

type extractorCloser interface {
	pipeline.Extractor
	io.Closer
}

func newDetector() (detectorCloser, error) {
	d, err := vision.NewCascadeDetector(cfg.CascadePath, cfg.MinFaceSize)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// newExtractor builds the configured embedding backend. The returned command is
// non-nil for the worker backend so its stderr can be shown on failure.
func newExtractor() (extractorCloser, *utils.SafeCommand, error) {
	switch cfg.Extractor {
	case "worker":
		args := cfg.WorkerArgs()
		w, err := worker.NewEmbedWorker(args[0], args[1:]...)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Cmd, nil
	default:
		e, err := embed.NewONNXExtractor(embed.Config{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.ONNXLibrary,
			InputName:   cfg.ModelInput,
			OutputName:  cfg.ModelOutput,
			Dim:         cfg.EmbeddingDim,
		})
		if err != nil {
			return nil, nil, err
		}
		return e, nil, nil
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// isImageFile reports whether name has an extension we can decode.
func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".bmp", ".webp":
		return true
	}
	return false
}

// largestFace picks the biggest rectangle. ok is false for an empty slice.
func largestFace(rects []image.Rectangle) (best image.Rectangle, ok bool) {
	maxArea := -1
	for _, r := range rects {
		if area := r.Dx() * r.Dy(); area > maxArea {
			maxArea = area
			best = r
		}
	}
	return best, maxArea >= 0
}

// faceEmbedding detects the largest face in img and returns its embedding.
// count is the number of faces the detector found.
func faceEmbedding(det pipeline.Detector, ext pipeline.Extractor, img image.Image) (vec types.Embedding, count int, err error) {
	rects, err := det.Detect(img)
	if err != nil {
		return nil, 0, fmt.Errorf("detect: %w", err)
	}
	face, ok := largestFace(rects)
	if !ok {
		return nil, 0, errNoFace
	}
	face = face.Intersect(img.Bounds())
	if face.Empty() {
		return nil, len(rects), errNoFace
	}

	vec, err = ext.Embed(pipeline.Crop(img, face))
	if err != nil {
		return nil, len(rects), fmt.Errorf("embed: %w", err)
	}
	return vec, len(rects), nil
}
