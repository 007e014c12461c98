// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MTUApplier changes the MTU of a local network interface.
//
// Applying is best effort: callers log the returned error and keep
// going with whatever MTU is in effect.
type MTUApplier interface {
	ApplyMTU(ctx context.Context, iface string, mtu uint32) error
}

// MTUApplierFunc adapts a func to be a [MTUApplier].
type MTUApplierFunc func(ctx context.Context, iface string, mtu uint32) error

var _ MTUApplier = MTUApplierFunc(nil)

// ApplyMTU implements [MTUApplier].
func (fx MTUApplierFunc) ApplyMTU(ctx context.Context, iface string, mtu uint32) error {
	return fx(ctx, iface, mtu)
}

// NopApplier is a [MTUApplier] that does nothing.
var NopApplier = MTUApplierFunc(func(ctx context.Context, iface string, mtu uint32) error {
	return nil
})

// IPLinkApplier applies the MTU by running `ip link set dev IFACE mtu N`.
//
// The zero value is ready to use.
type IPLinkApplier struct {
	// Path is the ip binary (default: "ip" looked up in PATH).
	Path string

	// SettleDelay is how long to wait after a successful change
	// (default: [DefaultSettleDelay]; negative means no wait).
	SettleDelay time.Duration
}

var _ MTUApplier = &IPLinkApplier{}

// ApplyMTU implements [MTUApplier].
func (a *IPLinkApplier) ApplyMTU(ctx context.Context, iface string, mtu uint32) error {
	binary := a.Path
	if binary == "" {
		binary = "ip"
	}
	cmd := exec.CommandContext(ctx, binary, "link", "set", "dev", iface, "mtu", strconv.FormatUint(uint64(mtu), 10))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip link set %s mtu %d: %w: %s", iface, mtu, err, strings.TrimSpace(string(output)))
	}
	settle(ctx, a.SettleDelay)
	return nil
}

// settle waits for the given delay or until the context is done.
//
// The MTU is already applied here: cancellation only cuts the wait short.
func settle(ctx context.Context, delay time.Duration) {
	if delay == 0 {
		delay = DefaultSettleDelay
	}
	if delay < 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
