// Package config loads poolq settings from a config file and POOLQ_*
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/lockstore"
	"github.com/poolq/poolq/net2"
	"github.com/poolq/poolq/queue"
)

const EnvPrefix = "POOLQ"

type Config struct {
	Redis   RedisConfig   `mapstructure:"redis"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// Where the queue's store lives.
type RedisConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	Database       int           `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	DialRetries    int           `mapstructure:"dial_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	UserTimeout    time.Duration `mapstructure:"user_timeout"`
	ProxyURL       string        `mapstructure:"proxy_url"`
}

// Connection pool limits towards redis.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

type BackoffConfig struct {
	// "exponential" or "fixed".
	Kind   string        `mapstructure:"kind"`
	Base   time.Duration `mapstructure:"base"`
	Factor float64       `mapstructure:"factor"`
	Max    time.Duration `mapstructure:"max"`
}

type QueueConfig struct {
	Name              string        `mapstructure:"name"`
	ClaimTTL          time.Duration `mapstructure:"claim_ttl"`
	DefaultTryLimit   int           `mapstructure:"default_try_limit"`
	FinishedRetention int           `mapstructure:"finished_retention"`
	Backoff           BackoffConfig `mapstructure:"backoff"`

	// "sharded" or "per_key".
	LockGranularity string `mapstructure:"lock_granularity"`
	LockCount       int    `mapstructure:"lock_count"`
}

type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval  time.Duration `mapstructure:"max_poll_interval"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	// 0 renews claims every claim_ttl/3; negative disables renewal.
	LeaseRenewal time.Duration `mapstructure:"lease_renewal"`
}

type LogConfig struct {
	Level         string        `mapstructure:"level"`
	Encoding      string        `mapstructure:"encoding"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Operations slower than this are logged at warn level.
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`

	// Log 1 in SampleEvery successful operations.
	SampleEvery int64 `mapstructure:"sample_every"`
}

type MetricsConfig struct {
	// Listen address for /metrics.  Empty disables the endpoint.
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Registers every key with its default, so that environment variables can
// override keys which are absent from the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.connect_timeout", time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.dial_retries", 2)
	v.SetDefault("redis.retry_interval", 100*time.Millisecond)
	v.SetDefault("redis.user_timeout", time.Duration(0))
	v.SetDefault("redis.proxy_url", "")

	v.SetDefault("pool.max_open", 16)
	v.SetDefault("pool.max_idle", 4)
	v.SetDefault("pool.max_lifetime", 30*time.Minute)
	v.SetDefault("pool.wait_timeout", 5*time.Second)

	v.SetDefault("queue.name", "default")
	v.SetDefault("queue.claim_ttl", 5*time.Minute)
	v.SetDefault("queue.default_try_limit", 3)
	v.SetDefault("queue.finished_retention", 10000)
	v.SetDefault("queue.backoff.kind", "exponential")
	v.SetDefault("queue.backoff.base", time.Second)
	v.SetDefault("queue.backoff.factor", 2.0)
	v.SetDefault("queue.backoff.max", 10*time.Minute)
	v.SetDefault("queue.lock_granularity", "sharded")
	v.SetDefault("queue.lock_count", 1024)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_poll_interval", 30*time.Second)
	v.SetDefault("worker.execution_timeout", time.Duration(0))
	v.SetDefault("worker.lease_renewal", time.Duration(0))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.buffer_size", 0)
	v.SetDefault("log.flush_interval", time.Second)
	v.SetDefault("log.slow_threshold", time.Second)
	v.SetDefault("log.sample_every", 1)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "poolq")
}

// Returns a viper instance with defaults and environment binding set up.
// POOLQ_REDIS_HOST overrides redis.host and so on.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Reads path (if not empty) on top of the defaults and the environment.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "Failed to read config %s", path)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "Failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Redis.DialParams().Validate(); err != nil {
		return errors.Wrap(err, "Invalid redis config")
	}
	if c.Pool.MaxOpen < 0 || c.Pool.MaxIdle < 0 {
		return errors.New("Invalid pool config: limits must not be negative")
	}
	if c.Pool.MaxOpen > 0 && c.Pool.MaxIdle > c.Pool.MaxOpen {
		return errors.Newf(
			"Invalid pool config: max_idle %d exceeds max_open %d",
			c.Pool.MaxIdle,
			c.Pool.MaxOpen)
	}
	if c.Queue.Name == "" {
		return errors.New("Invalid queue config: name is required")
	}
	if c.Queue.FinishedRetention < 0 {
		return errors.New("Invalid queue config: negative finished_retention")
	}
	if c.Queue.ClaimTTL <= 0 {
		return errors.Newf("Invalid queue config: claim_ttl %s", c.Queue.ClaimTTL)
	}
	if _, err := c.Queue.Backoff.Backoff(); err != nil {
		return err
	}
	if _, err := c.Queue.LockStoreOptions(); err != nil {
		return err
	}
	if c.Worker.Concurrency <= 0 {
		return errors.Newf(
			"Invalid worker config: concurrency %d",
			c.Worker.Concurrency)
	}
	if c.Worker.LeaseRenewal >= c.Queue.ClaimTTL {
		return errors.Newf(
			"Invalid worker config: lease_renewal %s must be below claim_ttl %s",
			c.Worker.LeaseRenewal,
			c.Queue.ClaimTTL)
	}
	// Without renewal a claim only lasts claim_ttl, so every execution
	// must end before it does.
	if c.Worker.LeaseRenewal < 0 &&
		(c.Worker.ExecutionTimeout <= 0 ||
			c.Worker.ExecutionTimeout >= c.Queue.ClaimTTL) {

		return errors.Newf(
			"Invalid worker config: without lease renewal execution_timeout "+
				"(%s) must be positive and below claim_ttl %s",
			c.Worker.ExecutionTimeout,
			c.Queue.ClaimTTL)
	}
	return nil
}

func (c QueueConfig) LockStoreOptions() (lockstore.LockStoreOptions, error) {
	options := lockstore.LockStoreOptions{LockCount: c.LockCount}
	switch strings.ToLower(c.LockGranularity) {
	case "", "sharded":
		options.Granularity = lockstore.ShardedGranularity
		if c.LockCount < 0 {
			return options, errors.Newf("Invalid lock_count %d", c.LockCount)
		}
	case "per_key":
		options.Granularity = lockstore.PerKeyGranularity
	default:
		return options, errors.Newf("Invalid lock_granularity %q", c.LockGranularity)
	}
	return options, nil
}

func (c RedisConfig) DialParams() net2.DialParams {
	return net2.DialParams{
		Host:           c.Host,
		Port:           c.Port,
		Credential:     c.Password,
		Database:       c.Database,
		ConnectTimeout: c.ConnectTimeout,
		DialRetries:    c.DialRetries,
		RetryInterval:  c.RetryInterval,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		UserTimeout:    c.UserTimeout,
		ProxyURL:       c.ProxyURL,
	}
}

func (c BackoffConfig) Backoff() (queue.Backoff, error) {
	switch strings.ToLower(c.Kind) {
	case "", "exponential":
		if c.Base <= 0 || c.Factor < 1 {
			return nil, errors.Newf(
				"Invalid backoff: base %s factor %v",
				c.Base,
				c.Factor)
		}
		return queue.ExponentialBackoff{
			Base:   c.Base,
			Factor: c.Factor,
			Max:    c.Max,
		}, nil
	case "fixed":
		if c.Base < 0 {
			return nil, errors.Newf("Invalid backoff: base %s", c.Base)
		}
		return queue.FixedBackoff{Interval: c.Base}, nil
	}
	return nil, errors.Newf("Invalid backoff kind %q", c.Kind)
}

func (c LogConfig) DlogConfig() dlog.Config {
	return dlog.Config{
		Level:         c.Level,
		Encoding:      c.Encoding,
		BufferSize:    c.BufferSize,
		FlushInterval: c.FlushInterval,
	}
}

func (c LogConfig) ExecutionLoggerOptions() dlog.ZapExecutionLoggerOptions {
	return dlog.ZapExecutionLoggerOptions{
		SampleEvery:   c.SampleEvery,
		SlowThreshold: c.SlowThreshold,
	}
}
