// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// Iperf3 implements [BandwidthTester] and [BandwidthServer] using
// the iperf3 command line tool.
//
// The zero value is ready to use.
type Iperf3 struct {
	// Path is the iperf3 binary (default: "iperf3" looked up in PATH).
	Path string

	// Duration is the client test duration (default: [DefaultTestDuration]).
	Duration time.Duration

	// ExtraArgs are appended to the client command line.
	ExtraArgs []string
}

var (
	_ BandwidthTester = &Iperf3{}
	_ BandwidthServer = &Iperf3{}
)

// ParseExtraArgs splits a shell-quoted argument string for [Iperf3.ExtraArgs].
func ParseExtraArgs(value string) ([]string, error) {
	return shellquote.Split(value)
}

// binary returns the iperf3 binary to execute.
func (ip *Iperf3) binary() string {
	if ip.Path != "" {
		return ip.Path
	}
	return "iperf3"
}

// Check returns an error when iperf3 cannot be found.
func (ip *Iperf3) Check() error {
	_, err := exec.LookPath(ip.binary())
	return err
}

// clientArgs returns the client command line arguments.
func (ip *Iperf3) clientArgs(host string, port uint16, dir Direction) []string {
	duration := ip.Duration
	if duration <= 0 {
		duration = DefaultTestDuration
	}
	seconds := strconv.Itoa(max(1, int(duration/time.Second)))
	args := []string{
		"-c", host,
		"-p", strconv.Itoa(int(port)),
		"-J",
		"-t", seconds,
		"-i", seconds,
	}
	if dir == Download {
		args = append(args, "-R")
	}
	return append(args, ip.ExtraArgs...)
}

// RunTest implements [BandwidthTester].
func (ip *Iperf3) RunTest(ctx context.Context, host string, port uint16, dir Direction) (Throughput, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ip.binary(), ip.clientArgs(host, port, dir)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// iperf3 -J reports most failures as JSON on stdout
		if report, perr := parseIperfReport(stdout.Bytes()); perr == nil && report.Error != "" {
			return Throughput{}, fmt.Errorf("iperf3: %w: %s", err, report.Error)
		}
		return Throughput{}, fmt.Errorf("iperf3: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseIperfOutput(stdout.Bytes())
}

// iperfReport is the subset of the iperf3 JSON report we use.
type iperfReport struct {
	End struct {
		SumReceived struct {
			BitsPerSecond float64 `json:"bits_per_second"`
		} `json:"sum_received"`
		SumSent struct {
			BitsPerSecond float64 `json:"bits_per_second"`
		} `json:"sum_sent"`
	} `json:"end"`
	Error string `json:"error"`
}

func parseIperfReport(data []byte) (*iperfReport, error) {
	var report iperfReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ParseIperfOutput extracts the received and sent rates from an iperf3
// JSON report. Missing rate fields count as zero.
func ParseIperfOutput(data []byte) (Throughput, error) {
	report, err := parseIperfReport(data)
	if err != nil {
		return Throughput{}, fmt.Errorf("iperf3: cannot parse report: %w", err)
	}
	if report.Error != "" {
		return Throughput{}, errors.New("iperf3: " + report.Error)
	}
	return Throughput{
		ReceiveMbps: report.End.SumReceived.BitsPerSecond / 1e6,
		SendMbps:    report.End.SumSent.BitsPerSecond / 1e6,
	}, nil
}

// StartServer implements [BandwidthServer].
func (ip *Iperf3) StartServer(ctx context.Context, port uint16) (ServerHandle, error) {
	cmd := exec.CommandContext(ctx, ip.binary(), "-s", "-p", strconv.Itoa(int(port)))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("iperf3: cannot start server: %w", err)
	}
	return &iperfServer{cmd: cmd}, nil
}

// iperfServer is a running iperf3 server subprocess.
type iperfServer struct {
	cmd  *exec.Cmd
	err  error
	once sync.Once
}

// Stop implements [ServerHandle].
func (s *iperfServer) Stop() error {
	s.once.Do(func() {
		// the process may already be gone if the context was canceled
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.err = err
		}
		// being killed is the expected way for the server to exit
		var exitErr *exec.ExitError
		err := s.cmd.Wait()
		switch {
		case err == nil, errors.As(err, &exitErr):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			if s.err == nil {
				s.err = err
			}
		}
	})
	return s.err
}
