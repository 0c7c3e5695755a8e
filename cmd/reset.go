package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetEmbeddings bool
	resetAttendance bool
	resetDatabase   bool
	resetYes        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset station state (Embeddings, Attendance Log, Database)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetEmbeddings && !resetAttendance && !resetDatabase {
			resetEmbeddings = true
			resetAttendance = true
			resetDatabase = cfg.DatabaseURL != ""
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool {
			return resetYes || confirm(reader, os.Stdout, prompt)
		}

		if resetEmbeddings && ask(fmt.Sprintf("⚠️  Are you sure you want to delete all enrolled faces (%s)?", cfg.StorePath)) {
			fmt.Println("🗑️  Clearing Embeddings...")
			removeFile(cfg.StorePath)
		}

		if resetAttendance && ask(fmt.Sprintf("⚠️  Are you sure you want to delete the attendance log (%s)?", cfg.AttendanceLog)) {
			fmt.Println("🗑️  Clearing Attendance Log...")
			removeFile(cfg.AttendanceLog)
		}

		if resetDatabase && ask("⚠️  Are you sure you want to DROP all database tables?") {
			fmt.Println("🗑️  Clearing Database...")
			db, err := openDB(cmd.Context())
			if err != nil {
				utils.ShowError("Database unavailable", err, nil)
				return err
			}
			defer db.Close(context.Background())
			if err := db.Reset(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		fmt.Println("✨ Station Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetEmbeddings, "embeddings", false, "Delete the enrolled faces file")
	resetCmd.Flags().BoolVar(&resetAttendance, "attendance", false, "Delete the attendance log")
	resetCmd.Flags().BoolVar(&resetDatabase, "database", false, "Drop the PostgreSQL mirror tables")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
