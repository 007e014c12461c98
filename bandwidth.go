// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"context"
	"net"
)

// Direction is the direction of a bandwidth test, seen from the responder.
type Direction int

const (
	// Upload sends data from the responder to the coordinator.
	Upload Direction = iota + 1

	// Download sends data from the coordinator to the responder.
	Download
)

// String implements [fmt.Stringer].
func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// Throughput is the result of a single bandwidth test.
type Throughput struct {
	// ReceiveMbps is the rate measured by the receiving side.
	ReceiveMbps float64

	// SendMbps is the rate measured by the sending side.
	SendMbps float64
}

// BandwidthTester runs a single throughput measurement.
//
// Any returned error means "no sample": callers skip the data point
// and never abort the sweep because of it.
type BandwidthTester interface {
	RunTest(ctx context.Context, host string, port uint16, dir Direction) (Throughput, error)
}

// BandwidthServer starts the server side of the bandwidth tests.
type BandwidthServer interface {
	StartServer(ctx context.Context, port uint16) (ServerHandle, error)
}

// ServerHandle is a running bandwidth test server.
type ServerHandle interface {
	// Stop terminates the server and waits for it to exit.
	Stop() error
}

// Dialer dials network connections. The [*net.Dialer] type
// implements this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Listener creates listening sockets. The [*net.ListenConfig] type
// implements this interface.
type Listener interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}

var (
	_ Dialer   = &net.Dialer{}
	_ Listener = &net.ListenConfig{}
)
