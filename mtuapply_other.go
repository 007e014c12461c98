// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package mtusweep

import (
	"context"
	"errors"
	"time"
)

// NetlinkApplier is only available on Linux.
type NetlinkApplier struct {
	SettleDelay time.Duration
}

var _ MTUApplier = &NetlinkApplier{}

// ApplyMTU implements [MTUApplier].
func (a *NetlinkApplier) ApplyMTU(ctx context.Context, iface string, mtu uint32) error {
	return errors.New("netlink: not supported on this platform")
}
