package kvstore

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/net2"
)

const (
	defaultVersionKey = "poolq:version"

	versionField = "v"
	dataField    = "d"
)

type RedisStoreOptions struct {
	// Where to connect and how.  Dialing goes through net2.TCPDialer, so
	// retries, proxying and TCP user timeouts apply.
	Params net2.DialParams

	// Connection pool limits, see redis.Options.
	PoolSize        int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PoolTimeout     time.Duration

	// Counter key used to hand out item versions.  Defaults to
	// "poolq:version".
	VersionKey string

	// Optional.
	Logger *zap.Logger
}

// A Store on top of redis.  Lists are redis lists.  Items are hashes holding
// the version ("v") and the value ("d"); versions come from a single
// counter key so they are never reused, even across delete and re-add.
type RedisStore struct {
	client     redis.UniversalClient
	versionKey string
}

func NewRedisStore(options RedisStoreOptions) (*RedisStore, error) {
	params := options.Params
	if err := params.Validate(); err != nil {
		return nil, err
	}

	dialer := &net2.TCPDialer{Logger: options.Logger}
	dialParams := params
	// go-redis authenticates and selects the database itself.
	dialParams.Credential = ""
	dialParams.Database = 0

	client := redis.NewClient(&redis.Options{
		Addr:     params.Address(),
		Password: params.Credential,
		DB:       params.Database,
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(ctx, dialParams)
		},
		DialTimeout:     params.ConnectTimeout,
		ReadTimeout:     params.ReadTimeout,
		WriteTimeout:    params.WriteTimeout,
		PoolSize:        options.PoolSize,
		MaxIdleConns:    options.MaxIdleConns,
		ConnMaxLifetime: options.ConnMaxLifetime,
		PoolTimeout:     options.PoolTimeout,
	})
	return NewRedisStoreFromClient(client, options.VersionKey), nil
}

// Wraps an existing client.  versionKey defaults to "poolq:version".
func NewRedisStoreFromClient(
	client redis.UniversalClient,
	versionKey string) *RedisStore {

	if versionKey == "" {
		versionKey = defaultVersionKey
	}
	return &RedisStore{
		client:     client,
		versionKey: versionKey,
	}
}

func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Append(ctx context.Context, list string, member string) error {
	if err := s.client.RPush(ctx, list, member).Err(); err != nil {
		return errors.Wrapf(err, "RPUSH %s failed", list)
	}
	return nil
}

func (s *RedisStore) PopHead(ctx context.Context, list string) (string, bool, error) {
	member, err := s.client.LPop(ctx, list).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "LPOP %s failed", list)
	}
	return member, true, nil
}

func (s *RedisStore) Remove(
	ctx context.Context,
	list string,
	member string,
	count int) (int, error) {

	n, err := s.client.LRem(ctx, list, int64(count), member).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "LREM %s failed", list)
	}
	return int(n), nil
}

func (s *RedisStore) Members(ctx context.Context, list string) ([]string, error) {
	members, err := s.client.LRange(ctx, list, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "LRANGE %s failed", list)
	}
	return members, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Item, error) {
	return getItem(ctx, s.client, key)
}

func (s *RedisStore) Add(ctx context.Context, item *Item) (*Item, error) {
	version, err := s.nextVersion(ctx)
	if err != nil {
		return nil, err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, item.Key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrKeyExists
		}
		return storeItem(ctx, tx, item, version)
	}, item.Key)
	return s.mutationResult(item, version, err, ErrKeyExists)
}

func (s *RedisStore) Set(ctx context.Context, item *Item) (*Item, error) {
	version, err := s.nextVersion(ctx)
	if err != nil {
		return nil, err
	}

	if item.Version == 0 {
		err = s.client.HSet(
			ctx,
			item.Key,
			versionField, version,
			dataField, item.Value).Err()
		return s.mutationResult(item, version, err, nil)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := getItem(ctx, tx, item.Key)
		if err != nil {
			return err
		}
		if existing.Version != item.Version {
			return ErrVersionMismatch
		}
		return storeItem(ctx, tx, item, version)
	}, item.Key)
	return s.mutationResult(item, version, err, ErrVersionMismatch)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return errors.Wrapf(err, "DEL %s failed", key)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) nextVersion(ctx context.Context) (uint64, error) {
	version, err := s.client.Incr(ctx, s.versionKey).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "INCR %s failed", s.versionKey)
	}
	return uint64(version), nil
}

// Maps the outcome of a (possibly watched) write.  A transaction aborted
// by a concurrent write to the watched key reports conflictErr.
func (s *RedisStore) mutationResult(
	item *Item,
	version uint64,
	err error,
	conflictErr error) (*Item, error) {

	switch {
	case err == nil:
		return &Item{
			Key:     item.Key,
			Value:   append([]byte(nil), item.Value...),
			Version: version,
		}, nil
	case err == ErrNotFound || err == ErrKeyExists || err == ErrVersionMismatch:
		return nil, err
	case err == redis.TxFailedErr && conflictErr != nil:
		return nil, conflictErr
	}
	return nil, errors.Wrapf(err, "Failed to store %s", item.Key)
}

func storeItem(ctx context.Context, tx *redis.Tx, item *Item, version uint64) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, item.Key, versionField, version, dataField, item.Value)
		return nil
	})
	return err
}

func getItem(ctx context.Context, client redis.Cmdable, key string) (*Item, error) {
	values, err := client.HMGet(ctx, key, versionField, dataField).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "HMGET %s failed", key)
	}
	rawVersion, ok := values[0].(string)
	if !ok {
		return nil, ErrNotFound
	}
	version, err := strconv.ParseUint(rawVersion, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "Corrupt version for %s", key)
	}
	data, _ := values[1].(string)
	return &Item{
		Key:     key,
		Value:   []byte(data),
		Version: version,
	}, nil
}
