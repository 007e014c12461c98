// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bassosimone/mtusweep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// commonFlags contains the flags shared by all the subcommands.
type commonFlags struct {
	configFile     string
	logFormat      string
	logLevel       string
	maxFrameSize   uint
	maxMTU         uint
	metricsAddr    string
	minMTU         uint
	receiveTimeout time.Duration
	sendTimeout    time.Duration
	step           uint
}

// register adds the common flags to fs.
func (cf *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&cf.configFile, "config", "", "Read flags from the given `key value` config file.")
	fs.StringVar(&cf.logFormat, "log-format", "text", "Log format: text or json.")
	fs.StringVar(&cf.logLevel, "log-level", "info", "Log level: debug, info, warn, error.")
	fs.UintVar(&cf.maxFrameSize, "max-frame-size", mtusweep.DefaultMaxFrameSize, "Largest control frame accepted in bytes.")
	fs.UintVar(&cf.maxMTU, "max-mtu", mtusweep.DefaultMaxMTU, "Largest MTU to test.")
	fs.StringVar(&cf.metricsAddr, "metrics-addr", "", "Serve prometheus metrics at the given address.")
	fs.UintVar(&cf.minMTU, "min-mtu", mtusweep.DefaultMinMTU, "Smallest MTU to test.")
	fs.DurationVar(&cf.receiveTimeout, "receive-timeout", 0, "Control channel receive timeout (0 means none).")
	fs.DurationVar(&cf.sendTimeout, "send-timeout", 0, "Control channel send timeout (0 means none).")
	fs.UintVar(&cf.step, "step", mtusweep.DefaultStep, "MTU decrement between tests.")
}

// sweep returns the sweep range described by the flags.
func (cf *commonFlags) sweep() (mtusweep.SweepRange, error) {
	values := []uint{cf.minMTU, cf.maxMTU, cf.step}
	for _, value := range values {
		if value > uint(^uint32(0)) {
			return mtusweep.SweepRange{}, fmt.Errorf("MTU value %d out of range", value)
		}
	}
	sweep := mtusweep.SweepRange{Min: uint32(cf.minMTU), Max: uint32(cf.maxMTU), Step: uint32(cf.step)}
	if err := sweep.Validate(); err != nil {
		return mtusweep.SweepRange{}, err
	}
	return sweep, nil
}

// channelOptions returns the control channel options described by the flags.
func (cf *commonFlags) channelOptions(logger logrus.FieldLogger) []mtusweep.ChannelOption {
	return []mtusweep.ChannelOption{
		mtusweep.ChannelOptionLogger(logger),
		mtusweep.ChannelOptionMaxFrameSize(uint32(min(cf.maxFrameSize, uint(^uint32(0))))),
		mtusweep.ChannelOptionReceiveTimeout(cf.receiveTimeout),
		mtusweep.ChannelOptionSendTimeout(cf.sendTimeout),
	}
}

// newLogger creates the logger described by the flags.
func (cf *commonFlags) newLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cf.logLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(level)
	switch cf.logFormat {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format: %s", cf.logFormat)
	}
	return logger, nil
}

// startMetrics creates the metrics and serves them when the flags say so.
//
// The returned function stops the metrics server.
func (cf *commonFlags) startMetrics(ctx context.Context, logger logrus.FieldLogger) (*mtusweep.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	metrics := mtusweep.NewMetrics(reg)
	if cf.metricsAddr == "" {
		return metrics, func() {}, nil
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cf.metricsAddr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	logger.Infof("serving metrics at http://%s/metrics", listener.Addr())
	return metrics, func() { srv.Close() }, nil
}

// newApplier returns the MTU applier for the given backend name.
func newApplier(backend string, settleDelay time.Duration) (mtusweep.MTUApplier, error) {
	switch backend {
	case "ip":
		return &mtusweep.IPLinkApplier{SettleDelay: settleDelay}, nil
	case "netlink":
		return &mtusweep.NetlinkApplier{SettleDelay: settleDelay}, nil
	case "none":
		return mtusweep.NopApplier, nil
	default:
		return nil, fmt.Errorf("unknown MTU backend: %s", backend)
	}
}

// bandwidthFlags contains the flags selecting the bandwidth test backend.
type bandwidthFlags struct {
	backend   string
	duration  time.Duration
	iperfArgs string
	iperfPath string
	port      uint
}

// register adds the bandwidth flags to fs.
func (bf *bandwidthFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&bf.backend, "bandwidth-backend", "iperf3", "Bandwidth test backend: iperf3 or speedtest.")
	fs.DurationVar(&bf.duration, "duration", mtusweep.DefaultTestDuration, "Duration of each bandwidth test.")
	fs.StringVar(&bf.iperfArgs, "iperf-args", "", "Extra shell-quoted arguments for the iperf3 client.")
	fs.StringVar(&bf.iperfPath, "iperf-path", "iperf3", "Path of the iperf3 binary.")
	fs.UintVar(&bf.port, "bandwidth-port", mtusweep.DefaultBandwidthPort, "Bandwidth test server port.")
}

// bandwidthPort returns the validated bandwidth test port.
func (bf *bandwidthFlags) bandwidthPort() (uint16, error) {
	if bf.port == 0 || bf.port > 65535 {
		return 0, fmt.Errorf("invalid bandwidth port: %d", bf.port)
	}
	return uint16(bf.port), nil
}

// iperf3 returns the configured [*mtusweep.Iperf3] after checking
// that the binary is available.
func (bf *bandwidthFlags) iperf3() (*mtusweep.Iperf3, error) {
	extra, err := mtusweep.ParseExtraArgs(bf.iperfArgs)
	if err != nil {
		return nil, fmt.Errorf("cannot parse -iperf-args: %w", err)
	}
	tool := &mtusweep.Iperf3{Path: bf.iperfPath, Duration: bf.duration, ExtraArgs: extra}
	if err := tool.Check(); err != nil {
		return nil, fmt.Errorf("iperf3 is not available: %w", err)
	}
	return tool, nil
}

// controlPort validates a control port flag value.
func controlPort(value uint) (uint16, error) {
	if value == 0 || value > 65535 {
		return 0, fmt.Errorf("invalid control port: %d", value)
	}
	return uint16(value), nil
}

// defaultResultPath returns the default CSV file name for the given time.
func defaultResultPath(now time.Time) string {
	return fmt.Sprintf("mtusweep_%s.csv", now.Format("20060102T150405"))
}
