package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/arp"
	"go.uber.org/zap"

	"localscope/internal/logging"
	"localscope/internal/model"
)

// ARPSweeper broadcasts ARP requests on the scan interface and records the
// replies itself, so it does not depend on the OS neighbor cache being
// populated. It implements both Sweeper and NeighborSource. Opening the raw
// socket usually requires elevated privileges.
type ARPSweeper struct {
	Interface string
	// Linger is how long replies are collected after the last request.
	Linger time.Duration

	mu      sync.Mutex
	replies map[string]string
}

// NewARPSweeper creates a sweeper bound to the named interface.
func NewARPSweeper(iface string, linger time.Duration) *ARPSweeper {
	if linger <= 0 {
		linger = time.Second
	}
	return &ARPSweeper{Interface: iface, Linger: linger}
}

func (s *ARPSweeper) Sweep(ctx context.Context, subnet Subnet, report Reporter) error {
	// A failed sweep must not leave the previous replies behind.
	s.mu.Lock()
	s.replies = make(map[string]string)
	s.mu.Unlock()

	ifi, err := net.InterfaceByName(s.Interface)
	if err != nil {
		return fmt.Errorf("arp sweep: %w", err)
	}
	client, err := arp.Dial(ifi)
	if err != nil {
		return fmt.Errorf("failed to create ARP client: %w", err)
	}
	defer client.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.collect(client, subnet)
	}()

	hosts := subnet.Hosts()
	for i, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		target, err := netip.ParseAddr(host)
		if err != nil {
			continue
		}
		if err := client.Request(target); err != nil {
			logging.Debug("arp request failed", zap.String("host", host), zap.Error(err))
		}
		if report != nil {
			report(i+1, len(hosts))
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(s.Linger):
	}
	// Unblocks the reader.
	_ = client.SetReadDeadline(time.Now())
	<-readDone
	return ctx.Err()
}

func (s *ARPSweeper) collect(client *arp.Client, subnet Subnet) {
	for {
		packet, _, err := client.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if packet.Operation != arp.OperationReply {
			continue
		}
		ip := packet.SenderIP.String()
		if !subnet.Contains(ip) {
			continue
		}
		mac := normaliseMAC(packet.SenderHardwareAddr.String())
		if mac == "" {
			continue
		}
		s.mu.Lock()
		if _, seen := s.replies[ip]; !seen {
			s.replies[ip] = mac
		}
		s.mu.Unlock()
	}
}

// Neighbors returns the hosts that answered the last sweep.
func (s *ARPSweeper) Neighbors(_ context.Context, subnet Subnet, exclude string) ([]model.Device, NeighborStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]neighborEntry, 0, len(s.replies))
	for ip, mac := range s.replies {
		entries = append(entries, neighborEntry{IP: ip, MAC: mac})
	}
	return filterNeighbors(entries, subnet, exclude, time.Now())
}
