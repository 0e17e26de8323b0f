package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownService is returned when a service name is not one of the supported types.
var ErrUnknownService = errors.New("unknown service")

// ServiceType is one of the remote access protocols the scanner looks for.
type ServiceType string

const (
	SSH  ServiceType = "ssh"
	RDP  ServiceType = "rdp"
	FTP  ServiceType = "ftp"
	SFTP ServiceType = "sftp"
	VNC  ServiceType = "vnc"
)

// AllServices lists every service type in display order.
var AllServices = []ServiceType{SSH, RDP, FTP, SFTP, VNC}

var servicePorts = map[ServiceType]int{
	SSH:  22,
	RDP:  3389,
	FTP:  21,
	SFTP: 22,
	VNC:  5900,
}

var serviceNames = map[ServiceType]string{
	SSH:  "SSH",
	RDP:  "RDP",
	FTP:  "FTP",
	SFTP: "SFTP",
	VNC:  "VNC",
}

// Port returns the well-known TCP port for the service.
func (s ServiceType) Port() int {
	return servicePorts[s]
}

// DisplayName returns the conventional upper-case protocol name.
func (s ServiceType) DisplayName() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return string(s)
}

// Valid reports whether s is a known service type.
func (s ServiceType) Valid() bool {
	_, ok := servicePorts[s]
	return ok
}

// ParseServiceType parses a service name case-insensitively.
func ParseServiceType(raw string) (ServiceType, error) {
	s := ServiceType(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, raw)
	}
	return s, nil
}

// ParseServiceList parses a comma separated list such as "ssh,rdp".
func ParseServiceList(raw string) ([]ServiceType, error) {
	var out []ServiceType
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := ParseServiceType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return SortServices(out), nil
}

// SortServices dedups services and orders them as in AllServices.
func SortServices(in []ServiceType) []ServiceType {
	if len(in) == 0 {
		return in
	}
	rank := make(map[ServiceType]int, len(AllServices))
	for i, s := range AllServices {
		rank[s] = i
	}
	seen := make(map[ServiceType]struct{}, len(in))
	out := make([]ServiceType, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i]] < rank[out[j]]
	})
	return out
}
