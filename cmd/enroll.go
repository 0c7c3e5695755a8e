package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollDir bool

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image> | enroll --dir <directory>",
	Short: "Add or replace an enrolled face",
	Long: `Computes the face embedding of a photo and stores it under the given name.
Re-enrolling a name replaces its embedding.

With --dir, every image in the directory is enrolled under its file name
without the extension (alice.jpg enrolls "alice").`,
	Args: func(cmd *cobra.Command, args []string) error {
		if enrollDir {
			return cobra.ExactArgs(1)(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if enrollDir {
			return runEnrollDir(args[0])
		}
		return runEnroll(args[0], args[1])
	},
}

func init() {
	enrollCmd.Flags().BoolVar(&enrollDir, "dir", false, "Enroll every image in a directory, named after the file")
	rootCmd.AddCommand(enrollCmd)
}

// enrollment couples the face pipeline with the store for the enroll command.
type enrollment struct {
	detector  pipeline.Detector
	extractor pipeline.Extractor
	store     *store.Store
}

// enrollImage computes the embedding of the largest face in path and stores it as name.
func (e *enrollment) enrollImage(name, path string) error {
	img, err := loadImage(path)
	if err != nil {
		return err
	}
	vec, faces, err := faceEmbedding(e.detector, e.extractor, img)
	if err != nil {
		return err
	}
	if faces > 1 {
		fmt.Fprintf(os.Stderr, "⚠️  %s: multiple faces detected (%d). Using the largest face.\n", filepath.Base(path), faces)
	}
	return e.store.Enroll(name, vec)
}

func openEnrollment() (*enrollment, func(), *utils.SafeCommand, error) {
	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, nil, nil, err
	}
	det, err := newDetector()
	if err != nil {
		return nil, nil, nil, err
	}
	ext, workerCmd, err := newExtractor()
	if err != nil {
		det.Close()
		return nil, nil, workerCmd, err
	}
	cleanup := func() {
		ext.Close()
		det.Close()
	}
	return &enrollment{detector: det, extractor: ext, store: s}, cleanup, workerCmd, nil
}

func runEnroll(name, path string) error {
	e, cleanup, workerCmd, err := openEnrollment()
	if err != nil {
		utils.ShowError("Failed to initialize enrollment", err, workerCmd)
		return err
	}
	defer cleanup()

	if err := e.enrollImage(name, path); err != nil {
		utils.ShowError("Enrollment failed", err, workerCmd)
		return err
	}
	fmt.Printf("✅ Enrolled '%s' (%d identities)\n", name, e.store.Len())
	return nil
}

// imagesByLabel maps label -> file for every decodable image directly inside dir.
func imagesByLabel(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		label := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if prev, dup := out[label]; dup {
			return nil, fmt.Errorf("both %s and %s would enroll %q", prev, entry.Name(), label)
		}
		out[label] = filepath.Join(dir, entry.Name())
	}
	return out, nil
}

func runEnrollDir(dir string) error {
	files, err := imagesByLabel(dir)
	if err != nil {
		utils.ShowError("Failed to read directory", err, nil)
		return err
	}
	if len(files) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	e, cleanup, workerCmd, err := openEnrollment()
	if err != nil {
		utils.ShowError("Failed to initialize enrollment", err, workerCmd)
		return err
	}
	defer cleanup()

	n, failures := e.enrollAll(files, progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("📸 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	))

	fmt.Fprintln(os.Stderr)
	for _, f := range failures {
		fmt.Fprintf(os.Stderr, "❌ %v\n", f)
	}
	fmt.Printf("✅ Enrolled %d of %d images (%d identities total)\n", n, len(files), e.store.Len())
	if len(failures) > 0 {
		return fmt.Errorf("%d images could not be enrolled", len(failures))
	}
	return nil
}

// enrollAll enrolls files in label order, continuing past failures.
func (e *enrollment) enrollAll(files map[string]string, bar *progressbar.ProgressBar) (int, []error) {
	labels := make([]string, 0, len(files))
	for l := range files {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	var failures []error
	n := 0
	for _, label := range labels {
		if err := e.enrollImage(label, files[label]); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", filepath.Base(files[label]), err))
		} else {
			n++
		}
		bar.Add(1)
	}
	bar.Finish()
	return n, failures
}
