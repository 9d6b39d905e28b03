package net2

import (
	"net"
	"strconv"
	"time"

	"github.com/poolq/poolq/errors"
)

// Static parameters for creating connections to one backend.  A pool copies
// its DialParams at construction; they never change afterwards.
type DialParams struct {
	Host string
	Port int

	// Optional password sent by the handshake (if any).
	Credential string

	// Logical database / namespace selected by the handshake (if any).
	Database int

	// Timeout of a single connection attempt.  Defaults to 1 second.
	ConnectTimeout time.Duration

	// Number of additional attempts after a failed one, and the pause
	// between attempts.
	DialRetries   int
	RetryInterval time.Duration

	// Deadlines applied to each Read / Write on a pooled connection.  Zero
	// disables the deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// TCP_USER_TIMEOUT for the socket (linux only).  Zero keeps the kernel
	// default.
	UserTimeout time.Duration

	// Optional socks5://[user:pass@]host:port proxy to dial through.
	ProxyURL string
}

const defaultConnectTimeout = 1 * time.Second

// Returns "host:port".
func (p DialParams) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p DialParams) connectTimeout() time.Duration {
	if p.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return p.ConnectTimeout
}

func (p DialParams) Validate() error {
	if p.Host == "" {
		return errors.New("Dial params: host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Newf("Dial params: invalid port %d", p.Port)
	}
	if p.DialRetries < 0 {
		return errors.Newf("Dial params: negative retries %d", p.DialRetries)
	}
	return nil
}
