package net2

import (
	"context"
	"net"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/poolq/poolq/dlog"
	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/time2"
)

// Creates one raw connection to a backend.
type Dialer interface {
	Dial(ctx context.Context, params DialParams) (net.Conn, error)
}

type DialerFunc func(ctx context.Context, params DialParams) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, params DialParams) (net.Conn, error) {
	return f(ctx, params)
}

// Runs right after a connection is established, e.g. to authenticate and
// select a database.  A handshake error closes the connection and counts as
// a failed attempt.
type Handshake func(conn net.Conn, params DialParams) error

// Dials TCP connections, optionally through a SOCKS5 proxy, retrying failed
// attempts DialParams.DialRetries times.
type TCPDialer struct {
	Handshake Handshake

	// Defaults to time2.DefaultClock.
	Clock time2.Clock

	// Optional.
	Logger *zap.Logger
}

func (d *TCPDialer) Dial(ctx context.Context, params DialParams) (net.Conn, error) {
	logger := dlog.OrNop(d.Logger)

	var lastErr error
	for attempt := 0; attempt <= params.DialRetries; attempt++ {
		if attempt > 0 {
			if err := time2.SleepOrExpire(ctx, d.Clock, params.RetryInterval); err != nil {
				break
			}
		}

		conn, err := d.dialOnce(ctx, params)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Debug(
			"Dial attempt failed",
			zap.String("address", params.Address()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}

	return nil, errors.WrapKind(
		lastErr,
		errors.KindDialFailure,
		"Failed to dial %s",
		params.Address())
}

func (d *TCPDialer) dialOnce(ctx context.Context, params DialParams) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: params.connectTimeout()}

	var conn net.Conn
	var err error
	if params.ProxyURL != "" {
		conn, err = dialThroughProxy(ctx, netDialer, params)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", params.Address())
	}
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok && params.UserTimeout > 0 {
		if err := SetTCPUserTimeout(tcpConn, params.UserTimeout); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if d.Handshake != nil {
		if err := d.Handshake(conn, params); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "Handshake failed")
		}
	}
	return conn, nil
}

func dialThroughProxy(
	ctx context.Context,
	forward *net.Dialer,
	params DialParams) (net.Conn, error) {

	u, err := url.Parse(params.ProxyURL)
	if err != nil {
		return nil, errors.Wrapf(err, "Invalid proxy url %q", params.ProxyURL)
	}
	proxyDialer, err := proxy.FromURL(u, forward)
	if err != nil {
		return nil, errors.Wrapf(err, "Unsupported proxy url %q", params.ProxyURL)
	}
	if cd, ok := proxyDialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", params.Address())
	}
	return proxyDialer.Dial("tcp", params.Address())
}
