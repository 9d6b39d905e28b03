//go:build linux

package net2

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/poolq/poolq/errors"
)

// SetTCPUserTimeout sets the TCP user timeout on a connection's socket.
func SetTCPUserTimeout(tcpConn *net.TCPConn, timeout time.Duration) error {
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "error getting raw connection: ")
	}

	if err := ControlWithTCPUserTimeout(rawConn, timeout); err != nil {
		return errors.Wrap(err, "error setting option on socket: ")
	}
	return nil
}

// Sets a TCP user timeout on the syscall.RawConn to the given timeout value.
func ControlWithTCPUserTimeout(rawConn syscall.RawConn, timeout time.Duration) error {
	var sockErr error
	err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(
			int(fd),
			unix.IPPROTO_TCP,
			unix.TCP_USER_TIMEOUT,
			int(timeout/time.Millisecond))
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Reads back the socket's TCP user timeout.
func GetTCPUserTimeout(tcpConn *net.TCPConn) (time.Duration, error) {
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "error getting raw connection: ")
	}
	var value int
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		value, sockErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT)
	})
	if err != nil {
		return 0, err
	}
	return time.Duration(value) * time.Millisecond, sockErr
}
