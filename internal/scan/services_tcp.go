package scan

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"localscope/internal/logging"
	"localscope/internal/model"
)

// DefaultProbeTimeout bounds each TCP connection attempt.
const DefaultProbeTimeout = 500 * time.Millisecond

// Port 22 is probed once and recorded as ssh; sftp is implied by ssh.
var probePorts = []struct {
	port    int
	service model.ServiceType
}{
	{22, model.SSH},
	{3389, model.RDP},
	{21, model.FTP},
	{5900, model.VNC},
}

// DialFunc opens a connection, typically (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober detects the services a set of devices expose.
type Prober interface {
	ProbeAll(ctx context.Context, devices []model.Device, report Reporter) []model.Device
}

// TCPProber tests TCP reachability of the well-known service ports.
type TCPProber struct {
	Timeout time.Duration
	// MaxConcurrency caps simultaneous attempts across a ProbeAll call; 0 is unbounded.
	MaxConcurrency int
	Dial           DialFunc
}

type attemptState int32

const (
	attemptPending attemptState = iota
	attemptOpen
	attemptClosed
	attemptTimedOut
)

func (s attemptState) String() string {
	switch s {
	case attemptOpen:
		return "open"
	case attemptClosed:
		return "closed"
	case attemptTimedOut:
		return "timed out"
	default:
		return "pending"
	}
}

// attempt is a single connection attempt. The dial outcome and the timeout
// race to settle it; only the first transition out of pending takes effect.
type attempt struct {
	state   atomic.Int32
	release sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
}

func newAttempt(cancel context.CancelFunc) *attempt {
	return &attempt{cancel: cancel, done: make(chan struct{})}
}

func (a *attempt) settle(to attemptState) bool {
	if !a.state.CompareAndSwap(int32(attemptPending), int32(to)) {
		return false
	}
	a.release.Do(func() {
		a.cancel()
		close(a.done)
	})
	return true
}

// dialed records the dial outcome. The connection is always closed: only
// reachability matters, and a connection that arrives after a timeout is stale.
func (a *attempt) dialed(conn net.Conn, err error) {
	if err != nil {
		a.settle(attemptClosed)
		return
	}
	a.settle(attemptOpen)
	_ = conn.Close()
}

func (a *attempt) timedOut() {
	a.settle(attemptTimedOut)
}

func (a *attempt) result() attemptState {
	return attemptState(a.state.Load())
}

// Probe returns a copy of d whose AvailableServices lists the open ports.
func (p TCPProber) Probe(ctx context.Context, d model.Device) model.Device {
	return p.probe(ctx, d, p.semaphore())
}

// ProbeAll probes every device concurrently and returns them in input order.
func (p TCPProber) ProbeAll(ctx context.Context, devices []model.Device, report Reporter) []model.Device {
	sem := p.semaphore()
	out := make([]model.Device, len(devices))
	var done atomic.Int32
	var wg sync.WaitGroup

	for i, d := range devices {
		wg.Add(1)
		go func(i int, d model.Device) {
			defer wg.Done()
			out[i] = p.probe(ctx, d, sem)
			n := int(done.Add(1))
			if report != nil {
				report(n, len(devices))
			}
		}(i, d)
	}

	wg.Wait()
	return out
}

func (p TCPProber) semaphore() chan struct{} {
	if p.MaxConcurrency <= 0 {
		return nil
	}
	return make(chan struct{}, p.MaxConcurrency)
}

func (p TCPProber) probe(ctx context.Context, d model.Device, sem chan struct{}) model.Device {
	open := make([]bool, len(probePorts))
	var wg sync.WaitGroup

	for i, target := range probePorts {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
			}
			state := p.probePort(ctx, d.IP, port)
			open[i] = state == attemptOpen
			logging.Debug("probe settled",
				zap.String("ip", d.IP),
				zap.Int("port", port),
				zap.Stringer("state", state))
		}(i, target.port)
	}
	wg.Wait()

	var services []model.ServiceType
	for i, target := range probePorts {
		if open[i] {
			services = append(services, target.service)
		}
	}

	out := d.Clone()
	out.AvailableServices = model.SortServices(services)
	return out
}

func (p TCPProber) probePort(ctx context.Context, ip string, port int) attemptState {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dial := p.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	dialCtx, cancel := context.WithCancel(ctx)
	a := newAttempt(cancel)

	timer := time.AfterFunc(timeout, a.timedOut)
	defer timer.Stop()

	go func() {
		conn, err := dial(dialCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		a.dialed(conn, err)
	}()

	select {
	case <-a.done:
	case <-ctx.Done():
		a.settle(attemptClosed)
	}
	return a.result()
}
