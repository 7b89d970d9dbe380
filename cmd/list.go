package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded analysis runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		runs, err := db.ListRuns(cmd.Context(), listLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		stats, err := db.LabelStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to compute label stats: %w", err)
		}
		printRuns(cmd.OutOrStdout(), runs, stats)
		return nil
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 20, "Maximum runs to show (0 for all)")
	rootCmd.AddCommand(listCmd)
}

func printRuns(out io.Writer, runs []store.Run, stats store.LabelStats) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tMODEL\tSCORE\tVERDICT\tLABEL\tCREATED")
	fmt.Fprintln(w, "--\t-----\t-----\t-----\t-------\t-----\t-------")

	for _, r := range runs {
		label := string(r.Label)
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%s\t%s\t%s\n",
			r.ID, r.VideoPath, r.Model, r.Result.OverallScore, r.Result.Verdict, label, humanize.Time(r.CreatedAt))
	}
	w.Flush()

	if stats.Labelled > 0 {
		fmt.Fprintf(out, "\n%d of %d labelled runs match their verdict (%.1f%%)\n",
			stats.Correct, stats.Labelled, stats.Accuracy()*100)
	}
}
