package scan

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"localscope/internal/logging"
	"localscope/internal/model"
)

const procARPPath = "/proc/net/arp"

var (
	// Octets may be unpadded, as in BSD arp output ("0:1b:2c:3:4:5").
	macLinePattern    = regexp.MustCompile(`(?i)([0-9a-f]{1,2}[:-]){5}[0-9a-f]{1,2}`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NeighborStats counts what a neighbor table read produced.
type NeighborStats struct {
	Entries int `json:"entries"` // candidate devices returned
	Skipped int `json:"skipped"` // incomplete, malformed or filtered lines
}

// NeighborSource lists the (ip, mac) pairs known on the local link.
// The returned devices carry IP, MAC and LastSeen only.
type NeighborSource interface {
	Neighbors(ctx context.Context, subnet Subnet, exclude string) ([]model.Device, NeighborStats, error)
}

// SystemNeighbors reads the operating system's neighbor cache, from
// /proc/net/arp on Linux and from "arp -a" output elsewhere.
type SystemNeighbors struct {
	goos     string
	readFile func(string) ([]byte, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (s SystemNeighbors) Neighbors(ctx context.Context, subnet Subnet, exclude string) ([]model.Device, NeighborStats, error) {
	output, err := s.table(ctx)
	if err != nil {
		return nil, NeighborStats{}, err
	}
	entries, skipped := parseNeighborTable(output)
	devices, stats, err := filterNeighbors(entries, subnet, exclude, time.Now())
	stats.Skipped += skipped
	return devices, stats, err
}

func (s SystemNeighbors) table(ctx context.Context) (string, error) {
	goos := s.goos
	if goos == "" {
		goos = runtime.GOOS
	}
	readFile := s.readFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	run := s.run
	if run == nil {
		run = commandOutput
	}

	if goos == "linux" {
		data, err := readFile(procARPPath)
		if err == nil {
			return string(data), nil
		}
		logging.Debug("neighbor cache unavailable, falling back to arp", zap.Error(err))
	}

	args := []string{"-an"}
	if goos == "windows" {
		args = []string{"-a"}
	}
	output, err := run(ctx, "arp", args...)
	if err != nil {
		return "", fmt.Errorf("read neighbor table: %w", err)
	}
	return string(output), nil
}

func commandOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type neighborEntry struct {
	IP  string
	MAC string
}

// parseNeighborTable extracts (ip, mac) pairs from any of the supported table
// formats:
//
//	192.168.1.1  0x1  0x2  aa:bb:cc:dd:ee:ff  *  eth0           (/proc/net/arp)
//	? (192.168.1.1) at aa:bb:cc:0:0:1 on en0 ifscope [ethernet]  (BSD, net-tools)
//	  192.168.1.1           aa-bb-cc-dd-ee-ff     dynamic        (Windows)
//
// Lines without an IPv4 address are headers and ignored. Lines with an address
// but no usable MAC are counted as skipped.
func parseNeighborTable(output string) ([]neighborEntry, int) {
	var entries []neighborEntry
	skipped := 0

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ip, rest := extractLineIP(line)
		if ip == "" {
			continue
		}
		if strings.Contains(strings.ToLower(line), "incomplete") {
			skipped++
			continue
		}

		fields := whitespacePattern.Split(line, -1)
		if len(fields) >= 4 && strings.HasPrefix(fields[1], "0x") {
			// /proc/net/arp: flags 0x0 means the entry never resolved.
			if fields[2] == "0x0" {
				skipped++
				continue
			}
			rest = fields[3]
		}

		mac := normaliseMAC(macLinePattern.FindString(rest))
		if mac == "" || mac == "00:00:00:00:00:00" || mac == "FF:FF:FF:FF:FF:FF" {
			skipped++
			continue
		}
		entries = append(entries, neighborEntry{IP: ip, MAC: mac})
	}
	return entries, skipped
}

// extractLineIP returns the IPv4 address on a table line and the text after it.
func extractLineIP(line string) (string, string) {
	if open := strings.Index(line, "("); open >= 0 {
		if end := strings.Index(line[open:], ")"); end > 0 {
			candidate := line[open+1 : open+end]
			if _, ok := hostSuffix(candidate); ok {
				return candidate, line[open+end+1:]
			}
		}
	}
	fields := whitespacePattern.Split(line, 2)
	if _, ok := hostSuffix(fields[0]); ok {
		rest := ""
		if len(fields) > 1 {
			rest = fields[1]
		}
		return fields[0], rest
	}
	return "", ""
}

// filterNeighbors keeps entries inside subnet, drops exclude, and dedups by IP
// keeping the first entry.
func filterNeighbors(entries []neighborEntry, subnet Subnet, exclude string, seen time.Time) ([]model.Device, NeighborStats, error) {
	var stats NeighborStats
	known := make(map[string]struct{}, len(entries))
	devices := make([]model.Device, 0, len(entries))

	for _, entry := range entries {
		if entry.IP == exclude || !subnet.Contains(entry.IP) {
			stats.Skipped++
			continue
		}
		if _, dup := known[entry.IP]; dup {
			stats.Skipped++
			continue
		}
		known[entry.IP] = struct{}{}
		devices = append(devices, model.NewDevice(entry.IP, entry.MAC, seen))
	}
	stats.Entries = len(devices)
	return devices, stats, nil
}

// normaliseMAC returns the address as upper-case, colon-separated, zero-padded
// hex, or "" if raw holds no MAC address.
func normaliseMAC(raw string) string {
	if raw == "" {
		return ""
	}
	raw = strings.ToUpper(strings.ReplaceAll(raw, "-", ":"))
	match := macLinePattern.FindString(raw)
	if match == "" {
		return ""
	}
	parts := strings.Split(match, ":")
	if len(parts) != 6 {
		return ""
	}
	for i := range parts {
		if len(parts[i]) == 1 {
			parts[i] = "0" + parts[i]
		}
	}
	return strings.Join(parts, ":")
}
