package net2

import (
	"net"
	"time"

	"github.com/poolq/poolq/errors"
	rp "github.com/poolq/poolq/resource_pool"
)

var noDeadline = time.Time{}

func deadlineAfter(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// A connection managed by a connection pool.  NOTE: SetDeadline,
// SetReadDeadline and SetWriteDeadline are disabled for managed connections.
// (The deadlines are set by the connection pool).
type ManagedConn interface {
	net.Conn

	// This returns the underlying net.Conn implementation.
	RawConn() net.Conn

	// This returns the connection pool which owns this connection.
	Owner() *ConnectionPool

	// When the underlying connection was established.
	CreatedAt() time.Time

	// How many times the underlying connection has been borrowed.
	BorrowCount() int64

	// This indicates a user is done with the connection and releases the
	// connection back to the connection pool.
	ReleaseConnection() error

	// This indicates the connection is an invalid state, and that the
	// connection should be discarded from the connection pool.
	DiscardConnection() error
}

// A physical implementation of ManagedConn
type managedConnImpl struct {
	pool   *ConnectionPool
	handle *rp.ManagedHandle[net.Conn]
}

func newManagedConn(pool *ConnectionPool, handle *rp.ManagedHandle[net.Conn]) ManagedConn {
	return &managedConnImpl{
		pool:   pool,
		handle: handle,
	}
}

func (c *managedConnImpl) RawConn() net.Conn {
	conn, _ := c.handle.Value()
	return conn
}

func (c *managedConnImpl) Owner() *ConnectionPool {
	return c.pool
}

func (c *managedConnImpl) CreatedAt() time.Time {
	return c.handle.CreatedAt()
}

func (c *managedConnImpl) BorrowCount() int64 {
	return c.handle.BorrowCount()
}

func (c *managedConnImpl) ReleaseConnection() error {
	return c.handle.Release()
}

func (c *managedConnImpl) DiscardConnection() error {
	return c.handle.Discard()
}

// See net.Conn for documentation.  The read is reported to the pool's
// ExecutionLogger as operation "read".
func (c *managedConnImpl) Read(b []byte) (n int, err error) {
	err = c.handle.Exec("read", []interface{}{len(b)}, func(conn net.Conn) error {
		if timeout := c.pool.params.ReadTimeout; timeout > 0 {
			_ = conn.SetReadDeadline(deadlineAfter(timeout))
		}
		var readErr error
		n, readErr = conn.Read(b)
		return readErr
	})
	return
}

// See net.Conn for documentation.  The write is reported to the pool's
// ExecutionLogger as operation "write".
func (c *managedConnImpl) Write(b []byte) (n int, err error) {
	err = c.handle.Exec("write", []interface{}{len(b)}, func(conn net.Conn) error {
		if timeout := c.pool.params.WriteTimeout; timeout > 0 {
			_ = conn.SetWriteDeadline(deadlineAfter(timeout))
		}
		var writeErr error
		n, writeErr = conn.Write(b)
		return writeErr
	})
	return
}

// See net.Conn for documentation.  Closing a managed connection discards it.
func (c *managedConnImpl) Close() error {
	return c.handle.Discard()
}

func (c *managedConnImpl) LocalAddr() net.Addr {
	return c.RawConn().LocalAddr()
}

func (c *managedConnImpl) RemoteAddr() net.Addr {
	return c.RawConn().RemoteAddr()
}

// SetDeadline is disabled for managed connection (The deadline is set by
// us, with respect to the read/write timeouts specified in DialParams).
func (c *managedConnImpl) SetDeadline(t time.Time) error {
	return errors.New("Cannot set deadline for managed connection")
}

// SetReadDeadline is disabled for managed connection (The deadline is set by
// us with respect to the read timeout specified in DialParams).
func (c *managedConnImpl) SetReadDeadline(t time.Time) error {
	return errors.New("Cannot set read deadline for managed connection")
}

// SetWriteDeadline is disabled for managed connection (The deadline is set by
// us with respect to the write timeout specified in DialParams).
func (c *managedConnImpl) SetWriteDeadline(t time.Time) error {
	return errors.New("Cannot set write deadline for managed connection")
}
