package capture

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/vision"
	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// PixelFormatNV21 is the V4L2 fourcc 'NV21'.
const PixelFormatNV21 webcam.PixelFormat = 'N' | 'V'<<8 | '2'<<16 | '1'<<24

// WebcamSource reads NV21 frames straight from a V4L2 device.
type WebcamSource struct {
	Device string
	// Width and Height are the preferred geometry; the closest supported aspect ratio is used.
	Width  int
	Height int
	Logger *slog.Logger
}

// Run opens the device and streams frames until ctx is cancelled.
func (s *WebcamSource) Run(ctx context.Context, sink Sink) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cam, err := webcam.Open(s.Device)
	if err != nil {
		return errors.Wrap(err, "Can not open device")
	}
	defer cam.Close()

	if _, ok := cam.GetSupportedFormats()[PixelFormatNV21]; !ok {
		return errors.Errorf("%s does not support NV21", s.Device)
	}

	want := OptimalPreviewSize(frameSizes(cam.GetSupportedFrameSizes(PixelFormatNV21)), s.Width, s.Height)
	_, w, h, err := cam.SetImageFormat(PixelFormatNV21, uint32(want.X), uint32(want.Y))
	if err != nil {
		return errors.Wrap(err, "Can not set image format")
	}
	width, height := int(w), int(h)
	logger.Info("Camera configured", "device", s.Device, "width", width, "height", height)

	if err := cam.StartStreaming(); err != nil {
		return errors.Wrap(err, "Can not start streaming")
	}

	index := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return errors.Wrap(err, "Frame wait failed")
		}

		raw, err := cam.ReadFrame()
		if err != nil {
			return errors.Wrap(err, "Read frame failed")
		}
		if len(raw) == 0 {
			continue
		}
		index++

		img, err := vision.NV21ToImage(raw, width, height)
		if err != nil {
			logger.Warn("Dropping frame", "frame", index, "error", err)
			continue
		}
		sink(types.Frame{Index: index, CapturedAt: time.Now(), Image: img})
	}
}

// frameSizes flattens V4L2 frame size descriptions into candidate sizes.
// Stepwise ranges contribute their maximum.
func frameSizes(in []webcam.FrameSize) []image.Point {
	out := make([]image.Point, 0, len(in))
	for _, fs := range in {
		out = append(out, image.Pt(int(fs.MaxWidth), int(fs.MaxHeight)))
	}
	return out
}
