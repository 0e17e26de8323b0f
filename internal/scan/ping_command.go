package scan

import (
	"context"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// CommandSweeper runs the operating system's ping binary once per host.
// It works without raw socket privileges on every platform.
type CommandSweeper struct {
	Timeout time.Duration

	goos string
	run  func(ctx context.Context, name string, args ...string) error
}

func (s CommandSweeper) Sweep(ctx context.Context, subnet Subnet, report Reporter) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	goos := s.goos
	if goos == "" {
		goos = runtime.GOOS
	}
	run := s.run
	if run == nil {
		run = runCommand
	}

	return sweepHosts(ctx, subnet, report, func(ctx context.Context, host string) error {
		// The process gets a little longer than the packet timeout to exit on its own.
		pingCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
		defer cancel()
		return run(pingCtx, "ping", pingArgs(goos, host, timeout)...)
	})
}

// pingArgs builds a single-packet ping invocation for goos.
func pingArgs(goos, host string, timeout time.Duration) []string {
	millis := strconv.FormatInt(timeout.Milliseconds(), 10)
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", millis, host}
	case "darwin", "freebsd":
		// -W is in milliseconds on these platforms.
		return []string{"-c", "1", "-W", millis, host}
	default:
		secs := int(math.Ceil(timeout.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return []string{"-c", "1", "-W", strconv.Itoa(secs), host}
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}
