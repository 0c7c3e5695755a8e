package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	identifyThreshold float32
	identifyRemote    bool
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match the face in a photo against the enrolled identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().Float32VarP(&identifyThreshold, "threshold", "t", 0, "Face matching threshold (default: $ROLLCALL_THRESHOLD or 0.6)")
	identifyCmd.Flags().BoolVar(&identifyRemote, "remote", false, "Search the PostgreSQL mirror instead of the embeddings file")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	threshold := cfg.Threshold
	if identifyThreshold > 0 {
		threshold = identifyThreshold
	}

	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	img, err := loadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	det, err := newDetector()
	if err != nil {
		utils.ShowError("Failed to load face detector", err, nil)
		return err
	}
	defer det.Close()

	fmt.Fprintln(os.Stderr, "🚀 Starting embedding engine...")
	ext, workerCmd, err := newExtractor()
	if err != nil {
		utils.ShowError("Failed to start embedding engine", err, workerCmd)
		return err
	}
	defer ext.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	vec, faces, err := faceEmbedding(det, ext, img)
	if errors.Is(err, errNoFace) {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if err != nil {
		utils.ShowError("Face processing failed", err, workerCmd)
		return err
	}
	if faces > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", faces)
	}

	var match matcher.Match
	var ok bool
	if identifyRemote {
		fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
		db, err := openDB(ctx)
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		defer db.Close(context.Background())
		match.Label, match.Distance, ok, err = db.FindClosest(ctx, vec, threshold)
		if err != nil {
			utils.ShowError("Database search failed", err, nil)
			return err
		}
	} else {
		known, err := store.Load(cfg.StorePath)
		if err != nil {
			utils.ShowError("Failed to load enrolled faces", err, nil)
			return err
		}
		match, ok, err = matcher.BestMatch(vec, known, threshold)
		if err != nil {
			utils.ShowError("Matching failed", err, nil)
			return err
		}
	}

	if !ok {
		fmt.Println("❌ No match found.")
		return nil
	}
	fmt.Printf("✅ Found Match: %s (distance %.4f, threshold %.2f)\n", match.Label, match.Distance, threshold)
	return nil
}
