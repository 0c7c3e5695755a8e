package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	logSince    time.Duration
	logIdentity string
	logRemote   bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recorded attendance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLog(cmd.Context())
	},
}

func init() {
	logCmd.Flags().DurationVar(&logSince, "since", 0, "Only show records newer than this (e.g. 8h)")
	logCmd.Flags().StringVarP(&logIdentity, "identity", "i", "", "Only show records for this name")
	logCmd.Flags().BoolVar(&logRemote, "remote", false, "Read from the PostgreSQL mirror instead of the log file")
	rootCmd.AddCommand(logCmd)
}

func runLog(ctx context.Context) error {
	var since time.Time
	if logSince > 0 {
		since = time.Now().Add(-logSince)
	}

	var records []types.AttendanceRecord
	var err error
	if logRemote {
		db, dbErr := openDB(ctx)
		if dbErr != nil {
			utils.ShowError("Database unavailable", dbErr, nil)
			return dbErr
		}
		defer db.Close(context.Background())
		records, err = db.ListAttendance(ctx, since)
	} else {
		records, err = attendance.ReadLog(cfg.AttendanceLog)
	}
	if err != nil {
		utils.ShowError("Failed to read attendance", err, nil)
		return err
	}

	records = filterRecords(records, since, logIdentity)
	if len(records) == 0 {
		fmt.Println("No attendance recorded.")
		return nil
	}
	return printRecords(os.Stdout, records)
}

// filterRecords keeps records at or after since whose identity matches (empty matches all).
func filterRecords(records []types.AttendanceRecord, since time.Time, identity string) []types.AttendanceRecord {
	out := records[:0:0]
	for _, r := range records {
		if r.At.Before(since) {
			continue
		}
		if identity != "" && r.Identity != identity {
			continue
		}
		out = append(out, r)
	}
	return out
}

func printRecords(out io.Writer, records []types.AttendanceRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tNAME")
	fmt.Fprintln(w, "----\t----")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\n", r.At.Local().Format("2006-01-02 15:04:05"), r.Identity)
	}
	return w.Flush()
}
