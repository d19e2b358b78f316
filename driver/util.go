package driver

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsLikelyConnectionError reports whether err looks like a dead or
// refused link rather than a protocol-level fault. The poller uses it
// to pick between reconnecting and surfacing the error as a read
// failure on an otherwise healthy session.
func IsLikelyConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Transports that flatten their errors into strings still need to
	// be caught.
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"no route to host",
		"network is unreachable",
		"connection timed out",
		"not connected",
		"eof",
	} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}

	return false
}
