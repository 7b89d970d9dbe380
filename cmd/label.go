package cmd

import (
	"fmt"

	"github.com/andresmejia3/deepscan/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <run_id> <real|fake>",
	Short: "Record the ground truth for a saved run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run ID %q: %w", args[0], err)
		}
		label, err := store.ParseLabel(args[1])
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		if err := db.LabelRun(cmd.Context(), id, label); err != nil {
			return fmt.Errorf("failed to label run: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✅ Run %s labeled as '%s'\n", id, label)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
