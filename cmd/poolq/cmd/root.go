package cmd

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/poolq/poolq/config"
	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/kvstore"
	"github.com/poolq/poolq/queue"
	"github.com/poolq/poolq/stats"
)

// Shared state of one command invocation, set up by the root command's
// PersistentPreRunE.
type app struct {
	configFile string
	viper      *viper.Viper

	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error

	registry *prometheus.Registry
	stats    stats.StatsFactory
}

func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

func NewRootCommand() *cobra.Command {
	a := &app{viper: config.NewViper()}

	root := &cobra.Command{
		Use:   "poolq",
		Short: "poolq runs and administers retryable job queues stored in redis",
		Long: `poolq is the command-line interface for poolq queues.

Entries move through IN -> DELAY -> FINISHED / FAILED lists kept in redis.
Workers claim IN entries, run the named handler and record the outcome;
failed entries are retried with backoff until their try limit is reached.

Configuration is read from --config (yaml, json or toml) and from POOLQ_*
environment variables, e.g. POOLQ_REDIS_HOST or POOLQ_QUEUE_NAME.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setUp()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.tearDown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file")
	flags.String("queue", "", "queue name (overrides queue.name)")
	_ = a.viper.BindPFlag("queue.name", flags.Lookup("queue"))
	flags.String("log-level", "", "log level (overrides log.level)")
	_ = a.viper.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newWorkerCommand(a),
		newEnqueueCommand(a),
		newInspectCommand(a),
		newReconcileCommand(a),
		newTrimCommand(a),
		newPingCommand(a))
	return root
}

func (a *app) setUp() error {
	if a.configFile != "" {
		a.viper.SetConfigFile(a.configFile)
		if err := a.viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "Failed to read config %s", a.configFile)
		}
	}

	cfg, err := config.FromViper(a.viper)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := dlog.NewLogger(cfg.Log.DlogConfig())
	if err != nil {
		return err
	}
	a.logger = logger
	a.closeLog = closeLog

	a.registry = prometheus.NewRegistry()
	a.stats = stats.NewPrometheusFactory(cfg.Metrics.Namespace, a.registry)
	return nil
}

func (a *app) tearDown() error {
	if a.closeLog != nil {
		return a.closeLog()
	}
	return nil
}

func (a *app) executionLogger() dlog.ExecutionLogger {
	return dlog.NewZapExecutionLogger(
		a.logger.Named("exec"),
		a.cfg.Log.ExecutionLoggerOptions())
}

func (a *app) openStore() (*kvstore.RedisStore, error) {
	return kvstore.NewRedisStore(kvstore.RedisStoreOptions{
		Params:          a.cfg.Redis.DialParams(),
		PoolSize:        a.cfg.Pool.MaxOpen,
		MaxIdleConns:    a.cfg.Pool.MaxIdle,
		ConnMaxLifetime: a.cfg.Pool.MaxLifetime,
		PoolTimeout:     a.cfg.Pool.WaitTimeout,
		Logger:          a.logger,
	})
}

func (a *app) newScheduler(store kvstore.Store) (*queue.Scheduler, error) {
	backoff, err := a.cfg.Queue.Backoff.Backoff()
	if err != nil {
		return nil, err
	}
	locks, err := a.cfg.Queue.LockStoreOptions()
	if err != nil {
		return nil, err
	}
	return queue.NewScheduler(store, queue.SchedulerOptions{
		Name:            a.cfg.Queue.Name,
		ClaimTTL:        a.cfg.Queue.ClaimTTL,
		Backoff:         backoff,
		DefaultTryLimit: a.cfg.Queue.DefaultTryLimit,
		Locks:           locks,
		ExecutionLogger: a.executionLogger(),
		Stats:           a.stats,
		Logger:          a.logger,
	}), nil
}

// Opens the store and a scheduler on it.  The returned function closes the
// store.
func (a *app) openScheduler() (*queue.Scheduler, func(), error) {
	store, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	sched, err := a.newScheduler(store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return sched, func() { _ = store.Close() }, nil
}
