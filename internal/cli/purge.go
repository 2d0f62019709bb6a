package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgePrune bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete staging leftovers from interrupted runs",
	RunE:  runPurge,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgePrune, "prune", false, "also apply the retention policy to old backups")
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	n := a.Staging.PurgeOrphans(a.Dir)
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d staging file(s) in %s\n", n, a.Dir.Location())

	if purgePrune {
		if err := a.Pruner.Prune(ctx); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}
	return nil
}
