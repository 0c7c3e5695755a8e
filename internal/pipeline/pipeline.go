// Package pipeline turns camera frames into attendance records.
//
// A frame goes through face detection, cropping, embedding extraction and
// matching against the enrolled identities. Every recognized face is handed to
// the recorder. Frames can be processed synchronously with HandleFrame or fed
// from a capture loop with Submit, in which case a single worker goroutine
// started by Run consumes them from a small latest-wins queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/chewxy/math32"
	"golang.org/x/image/draw"
)

// Detector finds face regions in a frame.
type Detector interface {
	Detect(img image.Image) ([]image.Rectangle, error)
}

// Extractor computes a face embedding from a cropped face image.
type Extractor interface {
	Embed(face image.Image) (types.Embedding, error)
}

// KnownSource hands out the current enrolled identities. The returned mapping must not be mutated.
type KnownSource interface {
	Snapshot() types.KnownEmbeddings
}

// Recorder persists one attendance event.
type Recorder interface {
	Record(ctx context.Context, identity string, at time.Time) error
}

var (
	// ErrClosed is returned by Run when Close was called before it started.
	ErrClosed = errors.New("pipeline closed")
	// ErrRegionOutOfBounds is reported for a face region that does not overlap the frame.
	ErrRegionOutOfBounds = errors.New("face region outside frame")
	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("pipeline already running")
)

const (
	DefaultQueueSize = 1
	MaxQueueSize     = 2
)

// Deps are the collaborators of a pipeline. All of them are required.
type Deps struct {
	Detector  Detector
	Extractor Extractor
	Known     KnownSource
	Recorder  Recorder
}

// Config tunes matching and queueing.
type Config struct {
	// Threshold is the exclusive L2 distance bound. Zero means matcher.DefaultThreshold.
	Threshold float32
	// Cooldown suppresses repeat records of the same identity within the window.
	// Zero records every recognition.
	Cooldown time.Duration
	// QueueSize is the number of frames buffered for the worker, 1 or 2. Zero means 1.
	QueueSize int
	// Now stamps attendance records. Defaults to time.Now.
	Now func() time.Time
}

// Result describes what happened to one detected face. Err can be set together
// with Recorded when only some of the recorder's sinks stored the record.
type Result struct {
	Region     image.Rectangle
	Match      matcher.Match
	Recognized bool
	Recorded   bool
	Suppressed bool
	Err        error
}

// Stats are cumulative counters since construction.
type Stats struct {
	Submitted uint64
	Processed uint64
	Dropped   uint64
	Abandoned uint64
}

// Pipeline wires detection, extraction, matching and recording together.
type Pipeline struct {
	deps    Deps
	cfg     Config
	matcher matcher.Matcher
	log     *slog.Logger

	queue     *frameQueue
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	seenMu   sync.Mutex
	lastSeen map[string]time.Time

	submitted atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	abandoned atomic.Uint64
}

// New validates deps and cfg and returns a ready pipeline.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Known == nil:
		return nil, errors.New("pipeline: known embeddings source is required")
	case deps.Recorder == nil:
		return nil, errors.New("pipeline: recorder is required")
	}

	if cfg.Threshold < 0 || math32.IsNaN(cfg.Threshold) {
		return nil, fmt.Errorf("pipeline: threshold must be positive, got %v", cfg.Threshold)
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("pipeline: cooldown must not be negative, got %v", cfg.Cooldown)
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.QueueSize < 1 || cfg.QueueSize > MaxQueueSize {
		return nil, fmt.Errorf("pipeline: queue size must be between 1 and %d, got %d", MaxQueueSize, cfg.QueueSize)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := matcher.New(cfg.Threshold)
	cfg.Threshold = m.Threshold

	return &Pipeline{
		deps:     deps,
		cfg:      cfg,
		matcher:  m,
		log:      logger,
		queue:    newFrameQueue(cfg.QueueSize),
		done:     make(chan struct{}),
		lastSeen: make(map[string]time.Time),
	}, nil
}

// HandleFrame detects faces in frame and processes each of them.
func (p *Pipeline) HandleFrame(ctx context.Context, frame types.Frame) ([]Result, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d: no image", frame.Index)
	}
	regions, err := p.deps.Detector.Detect(frame.Image)
	if err != nil {
		return nil, fmt.Errorf("frame %d: detect: %w", frame.Index, err)
	}
	return p.ProcessFrame(ctx, frame, regions), nil
}

// ProcessFrame handles the given face regions in order. A failure in one region
// is reported in its Result and does not affect the others.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame types.Frame, regions []image.Rectangle) []Result {
	results := make([]Result, 0, len(regions))
	for _, r := range regions {
		res := p.processRegion(ctx, frame, r)
		if res.Err != nil {
			p.log.Error("Face processing failed",
				"frame", frame.Index, "region", r.String(), "error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

func (p *Pipeline) processRegion(ctx context.Context, frame types.Frame, region image.Rectangle) Result {
	res := Result{Region: region}

	if frame.Image == nil {
		res.Err = fmt.Errorf("frame %d: no image", frame.Index)
		return res
	}
	clipped := region.Canon().Intersect(frame.Image.Bounds())
	if clipped.Empty() {
		res.Err = fmt.Errorf("%w: %v not in %v", ErrRegionOutOfBounds, region, frame.Image.Bounds())
		return res
	}
	res.Region = clipped

	vec, err := p.deps.Extractor.Embed(Crop(frame.Image, clipped))
	if err != nil {
		res.Err = fmt.Errorf("embed: %w", err)
		return res
	}

	match, ok, err := p.matcher.BestMatch(vec, p.deps.Known.Snapshot())
	if err != nil {
		res.Err = fmt.Errorf("match: %w", err)
		return res
	}
	if !ok {
		p.log.Debug("No match", "frame", frame.Index, "region", clipped.String())
		return res
	}
	res.Match = match
	res.Recognized = true

	now := p.cfg.Now()
	prev, reserved := p.reserve(match.Label, now)
	if !reserved {
		res.Suppressed = true
		p.log.Debug("Recognition within cooldown", "identity", match.Label, "last", prev)
		return res
	}

	if err := p.deps.Recorder.Record(ctx, match.Label, now); err != nil {
		res.Err = fmt.Errorf("record %q: %w", match.Label, err)
		var partial *attendance.PartialRecordError
		if !errors.As(err, &partial) {
			p.release(match.Label, now, prev)
			return res
		}
		// Stored somewhere; keep the cooldown so the log is not written again.
		p.log.Warn("Attendance only partially recorded",
			"identity", match.Label, "error", partial.Err)
	}
	res.Recorded = true
	p.log.Info("Attendance recorded",
		"identity", match.Label, "distance", match.Distance, "frame", frame.Index)
	return res
}

// reserve claims the right to record label at now. It returns the previous
// timestamp so a failed record can be rolled back.
func (p *Pipeline) reserve(label string, now time.Time) (prev time.Time, ok bool) {
	if p.cfg.Cooldown <= 0 {
		return time.Time{}, true
	}
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	prev, seen := p.lastSeen[label]
	if seen && now.Sub(prev) < p.cfg.Cooldown {
		return prev, false
	}
	p.lastSeen[label] = now
	return prev, true
}

func (p *Pipeline) release(label string, now, prev time.Time) {
	if p.cfg.Cooldown <= 0 {
		return
	}
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if !p.lastSeen[label].Equal(now) {
		return
	}
	if prev.IsZero() {
		delete(p.lastSeen, label)
	} else {
		p.lastSeen[label] = prev
	}
}

// Crop copies r out of img into a new RGBA image whose origin is (0, 0).
func Crop(img image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// Submit offers a frame to the worker without blocking. When the queue is full
// the oldest pending frame is dropped. It returns false once the pipeline is closed.
func (p *Pipeline) Submit(frame types.Frame) bool {
	accepted, evicted := p.queue.push(frame)
	if !accepted {
		return false
	}
	p.submitted.Add(1)
	if evicted {
		p.dropped.Add(1)
	}
	return true
}

// Run consumes submitted frames until ctx is cancelled or Close is called.
// It returns ctx.Err() on cancellation and nil after Close. Processing errors
// are logged and do not stop the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-p.queue.ready:
		}

		for {
			// Close and cancellation take effect between frames.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.done:
				return nil
			default:
			}

			frame, ok := p.queue.pop()
			if !ok {
				break
			}
			if _, err := p.HandleFrame(ctx, frame); err != nil {
				p.log.Warn("Frame skipped", "frame", frame.Index, "error", err)
			}
			p.processed.Add(1)
		}
	}
}

// Close stops accepting frames. A frame already being processed is finished;
// queued frames are abandoned. Close is idempotent.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		n := p.queue.close()
		p.abandoned.Add(uint64(n))
		close(p.done)
	})
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Abandoned: p.abandoned.Load(),
	}
}

// Threshold reports the effective matching threshold.
func (p *Pipeline) Threshold() float32 {
	return p.cfg.Threshold
}
