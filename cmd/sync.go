package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var syncPrune bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy enrolled faces to the PostgreSQL mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSync(cmd.Context())
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncPrune, "prune", false, "Delete database identities that are not enrolled locally")
	rootCmd.AddCommand(syncCmd)
}

// mirror is the part of the Postgres store that sync writes to.
type mirror interface {
	UpsertIdentity(ctx context.Context, label string, vec types.Embedding) error
	DeleteIdentity(ctx context.Context, label string) error
	LoadKnown(ctx context.Context) (types.KnownEmbeddings, error)
}

func runSync(ctx context.Context) error {
	known, err := store.Load(cfg.StorePath)
	if err != nil {
		utils.ShowError("Failed to load enrolled faces", err, nil)
		return err
	}

	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}
	defer db.Close(context.Background())

	bar := progressbar.NewOptions(len(known),
		progressbar.OptionSetDescription("🗄️  Syncing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	upserted, pruned, err := syncStore(ctx, db, known, syncPrune, bar)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		utils.ShowError("Sync failed", err, nil)
		return err
	}
	fmt.Printf("✅ Synced %d identities (%d pruned)\n", upserted, pruned)
	return nil
}

// syncStore upserts every local identity in label order and optionally deletes
// the remote ones that no longer exist locally.
func syncStore(ctx context.Context, db mirror, known types.KnownEmbeddings, prune bool, bar *progressbar.ProgressBar) (upserted, pruned int, err error) {
	for _, label := range known.Labels() {
		if err := ctx.Err(); err != nil {
			return upserted, pruned, err
		}
		if err := db.UpsertIdentity(ctx, label, known[label]); err != nil {
			return upserted, pruned, fmt.Errorf("upsert %q: %w", label, err)
		}
		upserted++
		bar.Add(1)
	}
	bar.Finish()

	if !prune {
		return upserted, 0, nil
	}
	remote, err := db.LoadKnown(ctx)
	if err != nil {
		return upserted, 0, err
	}
	for _, label := range remote.Labels() {
		if _, ok := known[label]; ok {
			continue
		}
		if err := db.DeleteIdentity(ctx, label); err != nil {
			return upserted, pruned, fmt.Errorf("delete %q: %w", label, err)
		}
		pruned++
	}
	return upserted, pruned, nil
}
