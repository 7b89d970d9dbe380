package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/andresmejia3/deepscan/internal/report"
	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var showFormat string

var showCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show a saved run with its per-face results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run ID %q: %w", args[0], err)
		}
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		run, err := db.GetRun(cmd.Context(), id)
		if err != nil {
			return err
		}

		if showFormat == "" || showFormat == "table" {
			printRun(cmd.OutOrStdout(), run)
			return nil
		}
		format, err := report.ParseFormat(showFormat)
		if err != nil {
			return err
		}
		r, err := report.New(run.ID, run.VideoPath, run.Model, run.SampleRate, run.Result)
		if err != nil {
			return err
		}
		r.VideoID = run.VideoID
		r.CreatedAt = run.CreatedAt
		return r.Encode(cmd.OutOrStdout(), format)
	},
}

func init() {
	showCmd.Flags().StringVarP(&showFormat, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.AddCommand(showCmd)
}

func printRun(out io.Writer, run *store.Run) {
	label := string(run.Label)
	if label == "" {
		label = "unlabelled"
	}
	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Video:    %s (%s)\n", run.VideoPath, run.VideoID[:min(12, len(run.VideoID))])
	fmt.Fprintf(out, "Model:    %s, every %d frames\n", run.Model, run.SampleRate)
	fmt.Fprintf(out, "Verdict:  %s (%.4f)\n", run.Result.Verdict, run.Result.OverallScore)
	fmt.Fprintf(out, "Temporal: %.4f\n", run.Result.TemporalInconsistencies)
	fmt.Fprintf(out, "Label:    %s\n", label)
	fmt.Fprintf(out, "Created:  %s\n", run.CreatedAt.Local().Format("2006-01-02 15:04"))

	if len(run.Result.PerFaceResults) == 0 {
		fmt.Fprintln(out, "\nNo faces were detected.")
		return
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tBOX\tFAKE PROBABILITY")
	fmt.Fprintln(w, "-----\t---\t----------------")
	for _, f := range run.Result.PerFaceResults {
		fmt.Fprintf(w, "%d\t(%d,%d)-(%d,%d)\t%.4f\n", f.FrameIndex, f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3], f.FakeProbability)
	}
	w.Flush()
}
