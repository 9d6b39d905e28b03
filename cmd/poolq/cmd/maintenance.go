package cmd

import (
	"github.com/spf13/cobra"
)

func newReconcileCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair list membership after a crash",
		Long: `Makes every id appear in exactly the list matching its stored status:
ids without a record are dropped, misplaced ids are moved and duplicates are
collapsed.  Run it while no workers or producers use the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeStore, err := a.openScheduler()
			if err != nil {
				return err
			}
			defer closeStore()

			repairs, err := sched.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("%d repairs\n", repairs)
			return nil
		},
	}
}

func newTrimCommand(a *app) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Drop the oldest FINISHED entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.Queue.FinishedRetention
			}

			sched, closeStore, err := a.openScheduler()
			if err != nil {
				return err
			}
			defer closeStore()

			trimmed, err := sched.TrimFinished(cmd.Context(), keep)
			if err != nil {
				return err
			}
			cmd.Printf("%d trimmed\n", trimmed)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "entries to keep (queue.finished_retention by default)")
	return cmd
}
