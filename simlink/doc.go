// SPDX-License-Identifier: GPL-3.0-or-later

// Package simlink simulates a point-to-point tunnel between userspace
// TCP/IP stacks built on gVisor.
//
// A [*Link] carries raw IP frames between the [*NIC] of each [*Endpoint]
// and optionally drops frames larger than a configured path MTU. The MTU
// of each endpoint can change at any time using [*Endpoint.ApplyMTU], so
// the link can host a complete MTU sweep without privileges.
//
// Frames crossing the link can be saved using a [*PcapTrace].
package simlink
