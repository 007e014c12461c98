// SPDX-License-Identifier: GPL-3.0-or-later

// Package mtusweep finds the best MTU pair for a point-to-point tunnel by
// sweeping the MTU on both endpoints and measuring throughput at each
// combination.
//
// Two roles cooperate over a single TCP control connection. The
// [*Coordinator] listens, applies each MTU of its [SweepRange] in turn, and
// announces it with [ReadyToTest] followed by [CurrentMTU]. The
// [*Responder] connects, and for every announced value it runs its own
// inner sweep, measuring upload and download throughput with a
// [BandwidthTester] and appending a [MeasurementSample] to a
// [*ResultSink] for each MTU pair where both directions succeeded. It then
// replies with [RoundComplete]. After the last round the coordinator sends
// [SweepFinished] and both sides tear down.
//
// Control messages travel as length-prefixed CBOR frames over a [*Channel].
// Changing an interface MTU and running bandwidth tests are capabilities
// injected into both roles: see [MTUApplier], [IPLinkApplier],
// [NetlinkApplier], [Iperf3] and [Speedtest].
//
// The simlink package provides a simulated tunnel that allows running
// both roles in-process.
package mtusweep
