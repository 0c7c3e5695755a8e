package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

// Options holds the run command's overrides of the environment configuration
type Options struct {
	Camera    string
	Capture   string
	Threshold float32
	Cooldown  time.Duration
	QueueSize int
	FPS       int
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the camera and record attendance for recognized faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyRunFlags(cmd)
		return runStation(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.Camera, "camera", "c", "", "Camera device, stream URL or video file")
	runCmd.Flags().StringVar(&runOpts.Capture, "capture", "", "Capture backend: ffmpeg or v4l2")
	runCmd.Flags().Float32VarP(&runOpts.Threshold, "threshold", "t", 0, "Face matching threshold (lower is stricter)")
	runCmd.Flags().DurationVar(&runOpts.Cooldown, "cooldown", 0, "Skip repeat records of the same person within this window (0 records every sighting)")
	runCmd.Flags().IntVarP(&runOpts.QueueSize, "queue", "q", 0, "Frames buffered for the recognizer (1 or 2)")
	runCmd.Flags().IntVar(&runOpts.FPS, "fps", 0, "Frame rate requested from ffmpeg")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("camera") {
		cfg.Camera = runOpts.Camera
	}
	if flags.Changed("capture") {
		cfg.Capture = runOpts.Capture
	}
	if flags.Changed("threshold") {
		cfg.Threshold = runOpts.Threshold
	}
	if flags.Changed("cooldown") {
		cfg.Cooldown = runOpts.Cooldown
	}
	if flags.Changed("queue") {
		cfg.QueueSize = runOpts.QueueSize
	}
	if flags.Changed("fps") {
		cfg.FPS = runOpts.FPS
	}
}

func newSource() capture.Source {
	if cfg.Capture == "v4l2" {
		return &capture.WebcamSource{
			Device: cfg.Camera,
			Width:  cfg.FrameWidth,
			Height: cfg.FrameHeight,
			Logger: logger,
		}
	}
	return &capture.FFmpegSource{
		Input: cfg.Camera,
		Options: utils.FFmpegOptions{
			FPS:    cfg.FPS,
			Width:  cfg.FrameWidth,
			Height: cfg.FrameHeight,
		},
		Logger: logger,
	}
}

func runStation(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		utils.ShowError("Invalid options", err, nil)
		return err
	}

	// Create a cancellable context so the capture process is killed on any early return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	embeddings, err := store.Open(cfg.StorePath)
	if err != nil {
		utils.ShowError("Failed to load enrolled faces", err, nil)
		return err
	}
	if embeddings.Len() == 0 {
		logger.Warn("No identities enrolled; nobody will be recognized", "store", cfg.StorePath)
	}

	recorder, err := attendance.Open(cfg.AttendanceLog)
	if err != nil {
		utils.ShowError("Failed to open attendance log", err, nil)
		return err
	}
	defer recorder.Close()

	var sink attendance.Sink = recorder
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx)
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		// Use Background here because ctx might be cancelled already (due to Ctrl+C)
		defer db.Close(context.Background())
		sink = attendance.Tee(recorder, db)
		logger.Info("Mirroring attendance to PostgreSQL", "session", db.Session())
	}

	detector, err := newDetector()
	if err != nil {
		utils.ShowError("Failed to load face detector", err, nil)
		return err
	}
	defer detector.Close()

	fmt.Fprintln(os.Stderr, "🚀 Starting embedding engine...")
	extractor, workerCmd, err := newExtractor()
	if err != nil {
		utils.ShowError("Failed to start embedding engine", err, workerCmd)
		return err
	}
	defer extractor.Close()

	p, err := pipeline.New(pipeline.Deps{
		Detector:  detector,
		Extractor: extractor,
		Known:     embeddings,
		Recorder:  sink,
	}, pipeline.Config{
		Threshold: cfg.Threshold,
		Cooldown:  cfg.Cooldown,
		QueueSize: cfg.QueueSize,
	}, logger)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	daemon.SdNotify(false, daemon.SdNotifyReady)
	logger.Info("Station running",
		"camera", cfg.Camera, "capture", cfg.Capture,
		"identities", embeddings.Len(), "threshold", p.Threshold(), "cooldown", cfg.Cooldown)

	srcErr := newSource().Run(ctx, func(f types.Frame) { p.Submit(f) })

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	p.Close()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pipeline.ErrClosed) {
		logger.Error("Recognition worker stopped", "error", err)
	}

	stats := p.Stats()
	logger.Info("Station stopped",
		"submitted", stats.Submitted, "processed", stats.Processed,
		"dropped", stats.Dropped, "abandoned", stats.Abandoned)

	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		utils.ShowError("Camera input failed", srcErr, workerCmd)
		return srcErr
	}
	return nil
}
