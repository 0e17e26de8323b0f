package scan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

const (
	firstHost = 1
	lastHost  = 254
)

// Subnet is a /24 network identified by its first three octets.
type Subnet struct {
	Prefix string `json:"prefix"` // e.g. "192.168.1"
}

// ExtractSubnet derives the /24 prefix from a dotted-quad IPv4 address.
func ExtractSubnet(ip string) (Subnet, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil || parsed.To4() == nil || strings.Contains(ip, ":") {
		return Subnet{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrSubnetExtraction, ip)
	}
	v4 := parsed.To4()
	return Subnet{Prefix: fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])}, nil
}

func (s Subnet) String() string {
	return s.Prefix + ".0/24"
}

// Host returns the address with the given final octet.
func (s Subnet) Host(suffix int) string {
	return s.Prefix + "." + strconv.Itoa(suffix)
}

// Hosts returns the 254 usable host addresses in order.
func (s Subnet) Hosts() []string {
	hosts := make([]string, 0, lastHost-firstHost+1)
	for i := firstHost; i <= lastHost; i++ {
		hosts = append(hosts, s.Host(i))
	}
	return hosts
}

// Contains reports whether ip is a usable host address inside the subnet.
func (s Subnet) Contains(ip string) bool {
	suffix, ok := hostSuffix(ip)
	if !ok {
		return false
	}
	if suffix < firstHost || suffix > lastHost {
		return false
	}
	return strings.HasPrefix(ip, s.Prefix+".") && strings.Count(ip, ".") == 3
}

func hostSuffix(ip string) (int, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil || strings.Contains(ip, ":") {
		return 0, false
	}
	return int(parsed.To4()[3]), true
}

// LocalAddress is the interface and IPv4 address a scan runs from.
type LocalAddress struct {
	Interface string `json:"interface"`
	IP        string `json:"ip"`
	Subnet    Subnet `json:"subnet"`
}

// Resolver finds the local address to scan from.
type Resolver interface {
	Resolve(ctx context.Context) (LocalAddress, error)
}

// InterfaceResolver picks the primary interface from the host's interface list.
type InterfaceResolver struct {
	// Preferred forces a specific interface name when set.
	Preferred string

	list func() ([]interfaceInfo, error)
}

type interfaceInfo struct {
	Name  string
	Flags net.Flags
	Addrs []net.IP
}

// Resolve returns the first IPv4 address on the best-ranked interface.
func (r InterfaceResolver) Resolve(_ context.Context) (LocalAddress, error) {
	list := r.list
	if list == nil {
		list = systemInterfaces
	}
	ifaces, err := list()
	if err != nil {
		return LocalAddress{}, fmt.Errorf("%w: %v", ErrNoActiveInterface, err)
	}
	return selectPrimary(ifaces, r.Preferred)
}

// ResolveLocal resolves the local address using the system interface list.
func ResolveLocal(preferred string) (LocalAddress, error) {
	return InterfaceResolver{Preferred: preferred}.Resolve(context.Background())
}

func systemInterfaces() ([]interfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]interfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		info := interfaceInfo{Name: iface.Name, Flags: iface.Flags}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				info.Addrs = append(info.Addrs, ipNet.IP)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

var (
	physicalPrefixes = []string{"en", "eth", "wl", "wlan", "wlp", "enp", "eno"}
	virtualPrefixes  = []string{"docker", "veth", "br-", "virbr", "vmnet", "vboxnet", "utun", "tun", "tap", "tailscale", "zt", "lo"}
)

func selectPrimary(ifaces []interfaceInfo, preferred string) (LocalAddress, error) {
	type candidate struct {
		rank  int
		index int
		addr  LocalAddress
	}
	var candidates []candidate

	for idx, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if preferred != "" && iface.Name != preferred {
			continue
		}
		if preferred == "" && hasAnyPrefix(iface.Name, virtualPrefixes) {
			continue
		}
		ip := firstUsableIPv4(iface.Addrs)
		if ip == "" {
			continue
		}
		subnet, err := ExtractSubnet(ip)
		if err != nil {
			continue
		}
		rank := 1
		if hasAnyPrefix(iface.Name, physicalPrefixes) {
			rank = 0
		}
		candidates = append(candidates, candidate{
			rank:  rank,
			index: idx,
			addr:  LocalAddress{Interface: iface.Name, IP: ip, Subnet: subnet},
		})
	}

	if len(candidates) == 0 {
		if preferred != "" {
			return LocalAddress{}, fmt.Errorf("%w: interface %q has no usable IPv4 address", ErrNoActiveInterface, preferred)
		}
		return LocalAddress{}, ErrNoActiveInterface
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return candidates[i].index < candidates[j].index
	})
	return candidates[0].addr, nil
}

func firstUsableIPv4(addrs []net.IP) string {
	for _, ip := range addrs {
		v4 := ip.To4()
		if v4 == nil || v4.IsLoopback() || v4.IsLinkLocalUnicast() {
			continue
		}
		return v4.String()
	}
	return ""
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
