package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	// cfg is the resolved configuration shared by subcommands
	cfg *config.Config
	// logger is installed as the slog default as well
	logger *slog.Logger

	envFile   string
	storePath string
	logPath   string
	dbURL     string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face recognition attendance station",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			cmd.SilenceUsage = true
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}

		// Flags override the environment
		flags := cmd.Flags()
		if flags.Changed("store") {
			cfg.StorePath = storePath
		}
		if flags.Changed("log") {
			cfg.AttendanceLog = logPath
		}
		if flags.Changed("db") {
			cfg.DatabaseURL = dbURL
		}

		logger = config.NewLogger(cfg.Environment)
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Load environment from this file (default: ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "Embeddings file (default: $ROLLCALL_STORE or data/face_embeddings.bin)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "Attendance log (default: $ROLLCALL_ATTENDANCE_LOG or data/attendance.txt)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the optional mirror (default: $ROLLCALL_DATABASE_URL)")
}

var errNoDatabase = errors.New("no database configured: pass --db or set ROLLCALL_DATABASE_URL")

// openDB connects to the Postgres mirror. Callers must Close it.
func openDB(ctx context.Context) (*store.PG, error) {
	if cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	db, err := store.NewPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
