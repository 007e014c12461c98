// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package mtusweep

import (
	"context"
	"fmt"
	"time"

	"github.com/tailscale/netlink"
)

// NetlinkApplier applies the MTU using rtnetlink directly.
//
// The zero value is ready to use.
type NetlinkApplier struct {
	// SettleDelay is how long to wait after a successful change
	// (default: [DefaultSettleDelay]; negative means no wait).
	SettleDelay time.Duration
}

var _ MTUApplier = &NetlinkApplier{}

// ApplyMTU implements [MTUApplier].
func (a *NetlinkApplier) ApplyMTU(ctx context.Context, iface string, mtu uint32) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("netlink: lookup %s: %w", iface, err)
	}
	if err := netlink.LinkSetMTU(link, int(mtu)); err != nil {
		return fmt.Errorf("netlink: set %s mtu %d: %w", iface, mtu, err)
	}
	settle(ctx, a.SettleDelay)
	return nil
}
