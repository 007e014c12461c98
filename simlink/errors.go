//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package simlink

import (
	"net"
	"strings"
	"syscall"
)

// netstackErrors maps the suffix of gVisor error strings to the errors
// the stdlib would return for the same condition.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
var netstackErrors = []struct {
	suffix string
	err    error
}{
	{"endpoint is closed for receive", net.ErrClosed},
	{"endpoint is closed for send", net.ErrClosed},
	{"connection aborted", syscall.ECONNABORTED},
	{"connection was refused", syscall.ECONNREFUSED},
	{"connection reset by peer", syscall.ECONNRESET},
	{"network is unreachable", syscall.ENETUNREACH},
	{"no route to host", syscall.EHOSTUNREACH},
	{"host is down", syscall.EHOSTDOWN},
	{"machine is not on the network", syscall.ENETDOWN},
	{"operation timed out", syscall.ETIMEDOUT},
	{"endpoint is in invalid state", syscall.EINVAL},
	{"broken pipe", syscall.EPIPE},
}

// remapError maps a gVisor error to a stdlib error.
//
// Errors that already carry stdlib semantics, such as deadline
// timeouts and [io.EOF], are returned unchanged.
func remapError(err error) error {
	if err == nil {
		return nil
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return err
	}
	estring := err.Error()
	for _, entry := range netstackErrors {
		if strings.HasSuffix(estring, entry.suffix) {
			return entry.err
		}
	}
	return err
}
