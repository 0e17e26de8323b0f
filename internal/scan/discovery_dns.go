package scan

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"localscope/internal/logging"
	"localscope/internal/model"
)

// DefaultMDNSTimeout bounds a hostname browse.
const DefaultMDNSTimeout = 1500 * time.Millisecond

// Namer finds hostnames for devices, keyed by IP.
type Namer interface {
	Names(ctx context.Context, devices []model.Device) map[string]string
}

// MDNSNamer browses common DNS-SD service types once per scan and matches the
// advertised addresses against the discovered devices. Devices that do not
// advertise fall back to a reverse DNS lookup.
type MDNSNamer struct {
	Timeout time.Duration
}

var browseServiceTypes = []string{
	"_workstation._tcp",    // Workstations
	"_device-info._tcp",    // Device info
	"_ssh._tcp",            // SSH servers
	"_sftp-ssh._tcp",       // SFTP over SSH
	"_rfb._tcp",            // VNC
	"_rdp._tcp",            // Remote Desktop
	"_ftp._tcp",            // FTP servers
	"_smb._tcp",            // SMB file sharing
	"_afpovertcp._tcp",     // Apple Filing Protocol
	"_http._tcp",           // HTTP servers
	"_airplay._tcp",        // AirPlay
	"_companion-link._tcp", // Apple devices
	"_googlecast._tcp",     // Chromecast and Android TV
}

func (n MDNSNamer) Names(ctx context.Context, devices []model.Device) map[string]string {
	wanted := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		wanted[d.IP] = struct{}{}
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultMDNSTimeout
	}
	names := browseMDNS(ctx, timeout, wanted)

	for ip := range wanted {
		if _, ok := names[ip]; ok {
			continue
		}
		if host := lookupHostname(ctx, ip); host != "" {
			names[ip] = host
		}
	}
	return names
}

func browseMDNS(ctx context.Context, timeout time.Duration, wanted map[string]struct{}) map[string]string {
	found := make(map[string][]string)
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logging.Debug("mdns resolver unavailable", zap.Error(err))
		return map[string]string{}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	record := func(entry *zeroconf.ServiceEntry) {
		for _, ip := range entry.AddrIPv4 {
			key := ip.String()
			if _, ok := wanted[key]; !ok {
				continue
			}
			mu.Lock()
			if entry.HostName != "" {
				found[key] = append(found[key], entry.HostName)
			} else if entry.Instance != "" {
				found[key] = append(found[key], entry.Instance)
			}
			mu.Unlock()
		}
	}

	// One channel per Browse call: each call closes its own channel when ctx ends.
	var wg sync.WaitGroup
	for _, serviceType := range browseServiceTypes {
		entries := make(chan *zeroconf.ServiceEntry, 10)
		wg.Add(1)
		go func(entries <-chan *zeroconf.ServiceEntry) {
			defer wg.Done()
			for {
				select {
				case entry, ok := <-entries:
					if !ok {
						return
					}
					record(entry)
				case <-ctx.Done():
					return
				}
			}
		}(entries)

		if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
			logging.Debug("mdns browse failed", zap.String("service", serviceType), zap.Error(err))
		}
	}

	<-ctx.Done()
	wg.Wait()

	names := make(map[string]string, len(found))
	for ip, candidates := range found {
		if host := firstHostname(candidates); host != "" {
			names[ip] = host
		}
	}
	return names
}

func lookupHostname(ctx context.Context, ip string) string {
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(lookupCtx, ip)
	if err != nil {
		// PTR records are rare on home networks.
		return ""
	}
	return firstHostname(names)
}

// firstHostname returns the lexically smallest name without its trailing root
// dot, or "" if names holds none.
func firstHostname(names []string) string {
	best := ""
	for _, n := range names {
		n = strings.TrimSuffix(strings.TrimSpace(n), ".")
		if n != "" && (best == "" || n < best) {
			best = n
		}
	}
	return best
}
