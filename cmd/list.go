package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	known, err := store.Load(cfg.StorePath)
	if err != nil {
		utils.ShowError("Failed to load enrolled faces", err, nil)
		return err
	}

	if len(known) == 0 {
		fmt.Println("No identities enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIMENSION")
	fmt.Fprintln(w, "----\t---------")

	for _, label := range known.Labels() {
		fmt.Fprintf(w, "%s\t%d\n", label, len(known[label]))
	}
	return w.Flush()
}
