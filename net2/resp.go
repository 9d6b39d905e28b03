package net2

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/poolq/poolq/errors"
)

// Just enough of the Redis serialization protocol to authenticate, select a
// database and ping over a raw pooled connection.

// Writes args as a RESP array of bulk strings.
func WriteCommand(w io.Writer, args ...string) error {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, arg := range args {
		b.WriteString("$")
		b.WriteString(strconv.Itoa(len(arg)))
		b.WriteString("\r\n")
		b.WriteString(arg)
		b.WriteString("\r\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Reads one simple string, integer, error or bulk string reply.  Server
// errors ("-ERR ...") are returned as errors.
func ReadReply(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "Failed to read reply")
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("Empty reply")
	}

	switch line[0] {
	case '+', ':':
		return line[1:], nil
	case '-':
		return "", errors.Newf("Server error: %s", line[1:])
	case '$':
		n, err := strconv.Atoi(line[1:])
		if err != nil {
			return "", errors.Wrapf(err, "Invalid bulk length %q", line)
		}
		if n < 0 {
			return "", nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", errors.Wrap(err, "Failed to read bulk reply")
		}
		return string(buf[:n]), nil
	}
	return "", errors.Newf("Unsupported reply type %q", line[0])
}

// Sends a command and reads its reply.
func Call(conn net.Conn, args ...string) (string, error) {
	if err := WriteCommand(conn, args...); err != nil {
		return "", errors.Wrapf(err, "Failed to send %s", args[0])
	}
	return ReadReply(bufio.NewReader(conn))
}

// A Handshake which issues AUTH (when a credential is set) and SELECT (when
// a non-zero database is set).
func RESPHandshake(conn net.Conn, params DialParams) error {
	if params.ConnectTimeout > 0 {
		_ = conn.SetDeadline(deadlineAfter(params.ConnectTimeout))
		defer conn.SetDeadline(noDeadline)
	}
	if params.Credential != "" {
		if _, err := Call(conn, "AUTH", params.Credential); err != nil {
			return errors.Wrap(err, "AUTH failed")
		}
	}
	if params.Database != 0 {
		if _, err := Call(conn, "SELECT", strconv.Itoa(params.Database)); err != nil {
			return errors.Wrapf(err, "SELECT %d failed", params.Database)
		}
	}
	return nil
}
