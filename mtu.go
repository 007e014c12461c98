// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import "time"

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000
)

// Defaults shared by the coordinator and the responder.
const (
	// DefaultMinMTU is the default sweep floor.
	DefaultMinMTU = MTUMinimumIPv6

	// DefaultMaxMTU is the default sweep ceiling.
	DefaultMaxMTU = MTUEthernet

	// DefaultStep is the default sweep decrement.
	DefaultStep = 20

	// DefaultControlPort is the default control channel TCP port.
	DefaultControlPort = 9876

	// DefaultBandwidthPort is the default bandwidth test port (iperf3's).
	DefaultBandwidthPort = 5201

	// DefaultTestDuration is the default duration of a single bandwidth test.
	DefaultTestDuration = 5 * time.Second

	// DefaultSettleDelay is how long we wait after changing an interface MTU.
	DefaultSettleDelay = 500 * time.Millisecond
)
