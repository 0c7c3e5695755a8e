// Package capture produces decoded frames from a camera or video stream.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/pkg/errors"
)

const megabyte = 1024 * 1024

// FallbackSize is used when no supported size can be chosen.
var FallbackSize = image.Pt(640, 480)

// Sink receives frames in capture order. It must not block for long;
// the pipeline's Submit is the intended sink.
type Sink func(types.Frame)

// Source delivers frames to sink until ctx is cancelled or the input ends.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// OptimalPreviewSize picks the size whose aspect ratio is closest to width/height.
// The first size wins on ties. It returns FallbackSize when nothing qualifies.
func OptimalPreviewSize(sizes []image.Point, width, height int) image.Point {
	if width <= 0 || height <= 0 {
		return FallbackSize
	}
	target := float64(width) / float64(height)

	best := FallbackSize
	minDiff := math.MaxFloat64
	for _, s := range sizes {
		if s.X <= 0 || s.Y <= 0 {
			continue
		}
		diff := math.Abs(float64(s.X)/float64(s.Y) - target)
		if diff < minDiff {
			best = s
			minDiff = diff
		}
	}
	return best
}

// FFmpegSource decodes any input ffmpeg understands (files, RTSP, V4L2 devices)
// into an MJPEG pipe and splits it into frames.
type FFmpegSource struct {
	Input   string
	Options utils.FFmpegOptions
	Logger  *slog.Logger
}

// Run starts ffmpeg and streams frames until the input ends or ctx is cancelled.
func (s *FFmpegSource) Run(ctx context.Context, sink Sink) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ffmpeg := utils.NewFFmpegCmd(s.Input, s.Options)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "Failed to create FFmpeg stdout pipe")
	}
	if err := ffmpeg.Start(); err != nil {
		return errors.Wrap(err, "Failed to start FFmpeg")
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			ffmpeg.Process.Kill()
		case <-stopped:
		}
	}()

	streamErr := decodeStream(ctx, ffmpegOut, sink, logger)
	waitErr := ffmpeg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return errors.Wrapf(waitErr, "FFmpeg execution failed: %s", bytes.TrimSpace(stderrBuf.Bytes()))
	}
	return nil
}

// decodeStream splits r into JPEG frames and hands each decoded frame to sink.
// Frames that fail to decode are logged and skipped.
func decodeStream(ctx context.Context, r io.Reader, sink Sink, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	index := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		index++
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			logger.Warn("Dropping undecodable frame", "frame", index, "error", err)
			continue
		}
		sink(types.Frame{Index: index, CapturedAt: time.Now(), Image: img})
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "Frame scanner failed")
	}
	return nil
}
