package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/queue"
)

func newEnqueueCommand(a *app) *cobra.Command {
	var (
		id       string
		payload  string
		tryLimit int
		noRetry  bool
		delay    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <handler>",
		Short: "Add an entry to the queue",
		Example: `  poolq enqueue echo --payload '{"hello":"world"}'
  poolq enqueue sleep --payload '{"duration":"2s"}' --delay 1m --try-limit 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := &queue.Entry{
				ID:       id,
				Handler:  args[0],
				Retry:    !noRetry,
				TryLimit: tryLimit,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.Newf("Payload is not valid JSON: %s", payload)
				}
				entry.Payload = json.RawMessage(payload)
			}
			if delay > 0 {
				entry.NextTry = time.Now().Add(delay)
			}

			sched, closeStore, err := a.openScheduler()
			if err != nil {
				return err
			}
			defer closeStore()

			stored, err := sched.Enqueue(cmd.Context(), entry)
			if err != nil {
				return err
			}
			cmd.Printf("%s %s\n", stored.ID, stored.Status)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&id, "id", "", "entry id (random when empty)")
	flags.StringVar(&payload, "payload", "", "JSON payload")
	flags.IntVar(&tryLimit, "try-limit", 0, "attempt limit (queue.default_try_limit when 0)")
	flags.BoolVar(&noRetry, "no-retry", false, "fail for good on the first failure")
	flags.DurationVar(&delay, "delay", 0, "do not run before this much time has passed")
	return cmd
}
