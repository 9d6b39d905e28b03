package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/poolq/poolq/net2"
	"github.com/poolq/poolq/queue"
	"github.com/poolq/poolq/worker"
)

const trimInterval = time.Minute

func newWorkerCommand(a *app) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute queue entries",
		Long: `Runs workers against the configured queue until interrupted.

With --drain the command processes entries one at a time until the queue has
nothing eligible, then exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(
				cmd.Context(),
				syscall.SIGINT,
				syscall.SIGTERM)
			defer stop()

			sched, closeStore, err := a.openScheduler()
			if err != nil {
				return err
			}
			defer closeStore()

			pool, err := a.newConnectionPool()
			if err != nil {
				return err
			}
			defer pool.Close()

			registry := worker.NewRegistry()
			registerBuiltinHandlers(registry, pool)

			w := worker.New(sched, registry, worker.Options{
				Concurrency:      a.cfg.Worker.Concurrency,
				PollInterval:     a.cfg.Worker.PollInterval,
				MaxPollInterval:  a.cfg.Worker.MaxPollInterval,
				ExecutionTimeout: a.cfg.Worker.ExecutionTimeout,
				LeaseRenewal:     a.cfg.Worker.LeaseRenewal,
				ExecutionLogger:  a.executionLogger(),
				Stats:            a.stats,
				Logger:           a.logger,
			})

			if drain {
				n, err := drainQueue(ctx, w)
				cmd.Printf("processed %d entries\n", n)
				return err
			}
			return a.serve(ctx, w, sched)
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "exit once nothing is eligible")
	return cmd
}

func drainQueue(ctx context.Context, w *worker.Worker) (int, error) {
	n := 0
	for ctx.Err() == nil {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			break
		}
		n++
	}
	return n, nil
}

// Runs the worker, the periodic FINISHED trim and (when configured) the
// metrics endpoint until ctx is done or one of them fails.
func (a *app) serve(ctx context.Context, w *worker.Worker, sched *queue.Scheduler) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return w.Run(ctx)
	})

	if retention := a.cfg.Queue.FinishedRetention; retention > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(trimInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				n, err := sched.TrimFinished(ctx, retention)
				if err != nil {
					a.logger.Warn("Failed to trim finished entries", zap.Error(err))
				} else if n > 0 {
					a.logger.Info("Trimmed finished entries", zap.Int("count", n))
				}
			}
		})
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			a.logger.Info("Serving metrics", zap.String("addr", addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

// A pool of raw redis connections for handlers, limited like the store's
// own pool.
func (a *app) newConnectionPool() (*net2.ConnectionPool, error) {
	return net2.NewConnectionPool(a.cfg.Redis.DialParams(), net2.ConnectionOptions{
		Name:        "redis",
		MaxOpen:     a.cfg.Pool.MaxOpen,
		MaxIdle:     a.cfg.Pool.MaxIdle,
		MaxLifetime: a.cfg.Pool.MaxLifetime,
		WaitTimeout: a.cfg.Pool.WaitTimeout,
		Dialer: &net2.TCPDialer{
			Handshake: net2.RESPHandshake,
			Logger:    a.logger,
		},
		ExecutionLogger: a.executionLogger(),
		Stats:           a.stats,
		Logger:          a.logger,
	})
}
