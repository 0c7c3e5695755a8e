package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an enrolled identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRemove(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(ctx context.Context, name string) error {
	s, err := store.Open(cfg.StorePath)
	if err != nil {
		utils.ShowError("Failed to load enrolled faces", err, nil)
		return err
	}

	if err := s.Remove(name); err != nil {
		utils.ShowError("Failed to remove identity", err, nil)
		return err
	}
	fmt.Printf("✅ Removed '%s'\n", name)

	// Keep the mirror consistent when one is configured.
	if cfg.DatabaseURL == "" {
		return nil
	}
	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	defer db.Close(context.Background())

	if err := db.DeleteIdentity(ctx, name); err != nil && !errors.Is(err, store.ErrUnknownIdentity) {
		utils.ShowError("Failed to remove identity from database", err, nil)
		return err
	}
	return nil
}
