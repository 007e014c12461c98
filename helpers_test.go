// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/bassosimone/mtusweep/simlink"
	"github.com/stretchr/testify/require"
)

// Addresses used by the simulated tunnel in tests.
const (
	simCoordinatorAddr = "10.0.0.1"
	simResponderAddr   = "10.0.0.2"
)

// newSimTunnel returns the coordinator and responder endpoints of a
// routed simulated tunnel, torn down when the test ends.
func newSimTunnel(t *testing.T, options ...simlink.LinkOption) (*simlink.Link, *simlink.Endpoint, *simlink.Endpoint) {
	t.Helper()
	lnk := simlink.NewLink(options...)

	coordinator, err := lnk.NewEndpoint(1500, netip.MustParseAddr(simCoordinatorAddr))
	require.NoError(t, err)
	responder, err := lnk.NewEndpoint(1500, netip.MustParseAddr(simResponderAddr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lnk.Route(ctx, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		responder.Close()
		coordinator.Close()
	})
	return lnk, coordinator, responder
}
