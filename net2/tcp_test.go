//go:build linux

package net2

import (
	"net"
	"sync"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/poolq/poolq/gocheck2"
)

type TcpSuite struct {
}

var _ = Suite(&TcpSuite{})

func (s *TcpSuite) TestUserTimeoutRoundTrip(c *C) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = conn.Read(make([]byte, 1))
		}
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	c.Assert(err, IsNil)
	defer conn.Close()

	tcpConn := conn.(*net.TCPConn)
	c.Assert(SetTCPUserTimeout(tcpConn, 1500*time.Millisecond), IsNil)
	timeout, err := GetTCPUserTimeout(tcpConn)
	c.Assert(err, IsNil)
	c.Assert(timeout, Equals, 1500*time.Millisecond)
}

// validate user timeout through zero window case.
func (s *TcpSuite) TestSetTCPUserTimeoutZeroWindow(c *C) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, IsNil)
	defer ln.Close()

	// held to stall the read loop, which fills the receive window.
	var readLock sync.Mutex
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				readBuf := make([]byte, 512)
				for {
					readLock.Lock()
					n, err := conn.Read(readBuf)
					readLock.Unlock()
					if n == 0 || err != nil {
						return
					}
				}
			}()
		}
	}()

	// larger than the socket buffers so that some data stays unsent.
	sentBuf := make([]byte, 10240000)

	write := func(fail bool, userTimeout time.Duration) time.Duration {
		conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		c.Assert(err, IsNil)
		defer conn.Close()

		if userTimeout > 0 {
			err = SetTCPUserTimeout(conn.(*net.TCPConn), userTimeout)
			c.Assert(err, IsNil)
		}

		startTime := time.Now()
		_, err = conn.Write(sentBuf)
		if fail {
			c.Assert(err, NotNil)
		} else {
			c.Assert(err, IsNil)
		}
		return time.Since(startTime)
	}

	// 1. normal case.
	c.Assert(write(false, 0), DurationBetween, time.Duration(0), time.Second)

	// 2. the write hangs until the read loop is unblocked.
	readLock.Lock()
	go func() {
		<-time.After(800 * time.Millisecond)
		readLock.Unlock()
	}()
	c.Assert(write(false, 0), DurationBetween, time.Duration(0), time.Second)

	// 3. TCP_USER_TIMEOUT aborts the stalled write.  This depends on the kernel
	// retrying the zero-window send within TCP_RTO_MIN.
	readLock.Lock()
	c.Assert(write(true, 100*time.Millisecond), DurationBetween, time.Duration(0), time.Second)
}
