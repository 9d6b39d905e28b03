package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poolq/poolq/queue"
)

func newInspectCommand(a *app) *cobra.Command {
	var list string

	cmd := &cobra.Command{
		Use:   "inspect [entry-id]",
		Short: "Show list sizes, the ids of one list, or one entry",
		Example: `  poolq inspect
  poolq inspect --list failed
  poolq inspect 0b6f9c1e-4cf4-4a43-9d0e-1c7a3c9e7e55`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeStore, err := a.openScheduler()
			if err != nil {
				return err
			}
			defer closeStore()
			ctx := cmd.Context()

			if len(args) == 1 {
				entry, err := sched.Get(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(entry, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}

			if list != "" {
				status, err := queue.ParseStatus(strings.ToUpper(list))
				if err != nil {
					return err
				}
				ids, err := sched.List(ctx, status)
				if err != nil {
					return err
				}
				for _, id := range ids {
					cmd.Println(id)
				}
				return nil
			}

			snapshot, err := sched.Snapshot(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("queue %s\n", sched.Name())
			for _, status := range queue.Statuses {
				cmd.Printf("  %-9s %d\n", status, len(snapshot[status]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&list, "list", "", "print the ids of one list (in, delay, finished, failed)")
	return cmd
}
