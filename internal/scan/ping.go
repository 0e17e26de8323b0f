package scan

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	ping "github.com/go-ping/ping"
	"go.uber.org/zap"

	"localscope/internal/logging"
)

// DefaultSweepTimeout bounds each reachability probe.
const DefaultSweepTimeout = 200 * time.Millisecond

// Reporter receives the number of settled units of work after each one
// finishes. It may be called from several goroutines at once and out of order.
type Reporter func(done, total int)

// Sweeper sends one reachability probe to every host in a subnet so that the
// operating system learns the MAC address of each responsive host. Individual
// probe failures are expected and ignored; Sweep returns once every probe has
// settled, or with ctx.Err() when cancelled.
type Sweeper interface {
	Sweep(ctx context.Context, subnet Subnet, report Reporter) error
}

// ICMPSweeper pings every host with an in-process ICMP echo.
type ICMPSweeper struct {
	Timeout time.Duration
}

func (s ICMPSweeper) Sweep(ctx context.Context, subnet Subnet, report Reporter) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	return sweepHosts(ctx, subnet, report, func(ctx context.Context, host string) error {
		return pingOnce(ctx, host, timeout)
	})
}

// sweepHosts runs probe once per host with unbounded fan-out and waits for all of them.
func sweepHosts(ctx context.Context, subnet Subnet, report Reporter, probe func(context.Context, string) error) error {
	hosts := subnet.Hosts()
	total := len(hosts)
	var done atomic.Int32
	var wg sync.WaitGroup

	for _, host := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			if err := probe(ctx, host); err != nil && ctx.Err() == nil {
				logging.Debug("sweep probe failed", zap.String("host", host), zap.Error(err))
			}
			n := int(done.Add(1))
			if report != nil {
				report(n, total)
			}
		}(host)
	}

	wg.Wait()
	return ctx.Err()
}

func pingOnce(ctx context.Context, host string, timeout time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	pinger, err := ping.NewPinger(host)
	if err != nil {
		return err
	}
	pinger.SetPrivileged(runtime.GOOS == "windows")
	pinger.Count = 1
	pinger.Timeout = timeout

	errCh := make(chan error, 1)
	go func() {
		errCh <- pinger.Run()
	}()

	select {
	case <-ctx.Done():
		pinger.Stop()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if pinger.Statistics().PacketsRecv == 0 {
		return errors.New("no response")
	}
	return nil
}
