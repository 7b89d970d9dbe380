package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetYes     bool
	resetMetrics bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the run history database",
	Long:  "Drops all history tables. They are recreated on the next connection. With --metrics the configured metrics file is removed as well.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		reader := bufio.NewReader(cmd.InOrStdin())

		if resetYes || confirm(reader, out, "⚠️  Are you sure you want to DROP all database tables?") {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "🗑️  Clearing Database...")
			if err := db.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to reset database: %w", err)
			}
		}

		if resetMetrics && cfg.Output.MetricsFile != "" {
			if resetYes || confirm(reader, out, "⚠️  Are you sure you want to delete "+cfg.Output.MetricsFile+"?") {
				fmt.Fprintln(out, "🗑️  Clearing Metrics File...")
				removeFile(cfg.Output.MetricsFile)
			}
		}

		fmt.Fprintln(out, "✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().BoolVar(&resetMetrics, "metrics", false, "Also delete the metrics file")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
