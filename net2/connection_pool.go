package net2

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	rp "github.com/poolq/poolq/resource_pool"
	"github.com/poolq/poolq/stats"
	"github.com/poolq/poolq/time2"
)

type ConnectionOptions struct {
	// Used to tag metrics and log lines.  Defaults to the backend address.
	Name string

	// See resource_pool.Options for the semantics of the limits.
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	WaitTimeout time.Duration

	// Defaults to a TCPDialer without handshake.
	Dialer Dialer

	// Reads and writes on pooled connections are reported here.
	ExecutionLogger dlog.ExecutionLogger

	Stats  stats.StatsFactory
	Logger *zap.Logger

	// Drives pool bookkeeping (lifetimes, wait timeouts, dial retries).
	// Socket deadlines always follow the wall clock.
	Clock time2.Clock
}

// A pool of net.Conn to a single backend.
type ConnectionPool struct {
	params DialParams
	pool   *rp.Pool[net.Conn]
}

// This returns a connection pool where all connections are connected to
// params.Address().
func NewConnectionPool(
	params DialParams,
	options ConnectionOptions) (*ConnectionPool, error) {

	if err := params.Validate(); err != nil {
		return nil, err
	}

	dialer := options.Dialer
	if dialer == nil {
		dialer = &TCPDialer{Clock: options.Clock, Logger: options.Logger}
	}
	name := options.Name
	if name == "" {
		name = params.Address()
	}

	p := &ConnectionPool{params: params}
	p.pool = rp.New(rp.Options[net.Conn]{
		Name:        name,
		MaxOpen:     options.MaxOpen,
		MaxIdle:     options.MaxIdle,
		MaxLifetime: options.MaxLifetime,
		WaitTimeout: options.WaitTimeout,
		Open: func(ctx context.Context) (net.Conn, error) {
			return dialer.Dial(ctx, params)
		},
		Close: func(conn net.Conn) error {
			return conn.Close()
		},
		Clock:           options.Clock,
		ExecutionLogger: options.ExecutionLogger,
		Stats:           options.Stats,
		Logger:          options.Logger,
	})
	return p, nil
}

// The parameters connections are dialed with.
func (p *ConnectionPool) Params() DialParams {
	return p.params
}

// This gets a connection from the pool.  The connection remains borrowed
// until ReleaseConnection or DiscardConnection is called on it.
func (p *ConnectionPool) Get(ctx context.Context) (ManagedConn, error) {
	handle, err := p.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	return newManagedConn(p, handle), nil
}

// Borrows a connection, runs fn with it and gives it back.  The connection
// is discarded if fn fails with a network error (or ErrDiscard).
func (p *ConnectionPool) Do(
	ctx context.Context,
	operation string,
	args []interface{},
	fn func(net.Conn) error) error {

	return p.pool.Do(ctx, operation, args, func(conn net.Conn) error {
		err := fn(conn)
		var netErr net.Error
		if err != nil && errors.As(err, &netErr) {
			return rp.MarkDiscard(err)
		}
		return err
	})
}

func (p *ConnectionPool) Stats() rp.PoolStats {
	return p.pool.Stats()
}

// Closes idle connections and fails pending Get calls.  Connections still
// borrowed are closed when given back.
func (p *ConnectionPool) Close() error {
	return p.pool.Close()
}
