// Package vision wraps the OpenCV pieces of the recognition loop: face
// detection with a Haar cascade and camera colour conversion.
package vision

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DefaultCascade is where distribution OpenCV packages install the frontal face model.
const DefaultCascade = "/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml"

// ErrInvalidFrame is returned for raw camera buffers whose size does not match the geometry.
var ErrInvalidFrame = errors.New("invalid frame")

// CascadeDetector finds faces with an OpenCV cascade classifier.
// The classifier is not goroutine-safe, so calls to Detect are serialized.
type CascadeDetector struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	minSize    image.Point
}

// NewCascadeDetector loads the cascade at path. Faces smaller than minFace
// pixels on either side are ignored.
func NewCascadeDetector(path string, minFace int) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, errors.Errorf("Error reading cascade file: %v", path)
	}
	if minFace < 0 {
		minFace = 0
	}
	return &CascadeDetector{
		classifier: classifier,
		minSize:    image.Pt(minFace, minFace),
	}, nil
}

// Detect returns face rectangles in the coordinate space of img.
func (d *CascadeDetector) Detect(img image.Image) ([]image.Rectangle, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "Can not convert image")
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	d.mu.Lock()
	rects := d.classifier.DetectMultiScaleWithParams(gray, 1.1, 3, 0, d.minSize, image.Point{})
	d.mu.Unlock()

	origin := img.Bounds().Min
	for i := range rects {
		rects[i] = rects[i].Add(origin)
	}
	return rects, nil
}

// Close releases the classifier.
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}

// NV21ToImage converts a raw NV21 (YUV 4:2:0, interleaved VU) camera buffer to an RGB image.
func NV21ToImage(data []byte, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, errors.Wrapf(ErrInvalidFrame, "bad geometry %dx%d", width, height)
	}
	if want := width * height * 3 / 2; len(data) != want {
		return nil, errors.Wrapf(ErrInvalidFrame, "%dx%d NV21 needs %d bytes, got %d", width, height, want, len(data))
	}

	yuv, err := gocv.NewMatFromBytes(height*3/2, width, gocv.MatTypeCV8UC1, data)
	if err != nil {
		return nil, errors.Wrap(err, "Can not decode image")
	}
	defer yuv.Close()

	// ToImage reads three channel mats as BGR.
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(yuv, &bgr, gocv.ColorYUVToBGRNV21)

	img, err := bgr.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "Can not convert frame")
	}
	return img, nil
}
