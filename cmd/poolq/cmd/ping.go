package cmd

import (
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/poolq/poolq/errors"
)

func newPingCommand(a *app) *cobra.Command {
	var (
		count       int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "PING redis through the connection pool",
		Long: `Sends --count PINGs from --concurrency goroutines sharing one connection
pool configured by the pool.* settings, then prints latency and pool usage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 || concurrency <= 0 {
				return errors.Newf(
					"Invalid ping settings: count %d concurrency %d",
					count,
					concurrency)
			}

			pool, err := a.newConnectionPool()
			if err != nil {
				return err
			}
			defer pool.Close()

			var mutex sync.Mutex
			var total, worst time.Duration

			jobs := make(chan struct{})
			group, ctx := errgroup.WithContext(cmd.Context())
			for i := 0; i < concurrency; i++ {
				group.Go(func() error {
					for range jobs {
						rtt, err := ping(ctx, pool)
						if err != nil {
							return err
						}
						mutex.Lock()
						total += rtt
						if rtt > worst {
							worst = rtt
						}
						mutex.Unlock()
					}
					return nil
				})
			}
			group.Go(func() error {
				defer close(jobs)
				for i := 0; i < count; i++ {
					select {
					case jobs <- struct{}{}:
					case <-ctx.Done():
						return nil
					}
				}
				return nil
			})
			if err := group.Wait(); err != nil {
				return err
			}

			poolStats := pool.Stats()
			cmd.Printf(
				"%d pings, avg %s, max %s, %d connections open (%d idle)\n",
				count,
				total/time.Duration(count),
				worst,
				poolStats.Open,
				poolStats.Idle)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of PINGs")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "concurrent PINGs")
	return cmd
}
