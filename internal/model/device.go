package model

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidDevice indicates a device record that cannot enter an inventory.
	ErrInvalidDevice = errors.New("invalid device")
	// ErrDeviceNotFound is returned when no device matches the requested IP.
	ErrDeviceNotFound = errors.New("device not found")
)

// Device is a single host discovered on, or manually added to, the local network.
// IP is the identity used to correlate records across scans; ID is only stable
// within one process run unless carried over by a history merge.
type Device struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	IP                string        `json:"ip"`
	MAC               string        `json:"mac,omitempty"`
	Vendor            string        `json:"vendor,omitempty"`
	Hostname          string        `json:"hostname,omitempty"`
	LastSeen          time.Time     `json:"lastSeen"`
	AvailableServices []ServiceType `json:"availableServices"`
	FavoriteServices  []ServiceType `json:"favoriteServices"`
	Manual            bool          `json:"manual,omitempty"`
}

// NewDevice creates a device with a fresh opaque ID.
func NewDevice(ip, mac string, seen time.Time) Device {
	return Device{
		ID:       uuid.NewString(),
		IP:       ip,
		MAC:      mac,
		LastSeen: seen,
	}
}

// Validate checks that the device carries a dotted-quad IPv4 address.
func (d Device) Validate() error {
	ip := net.ParseIP(strings.TrimSpace(d.IP))
	if ip == nil || ip.To4() == nil || strings.Contains(d.IP, ":") {
		return fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidDevice, d.IP)
	}
	return nil
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (d Device) Clone() Device {
	d.AvailableServices = cloneServices(d.AvailableServices)
	d.FavoriteServices = cloneServices(d.FavoriteServices)
	return d
}

// HasService reports whether the service was detected on the device.
func (d Device) HasService(s ServiceType) bool {
	return containsService(d.AvailableServices, s)
}

// Supports reports whether the device can serve s. SFTP rides on the SSH port,
// so a device with ssh available supports sftp too.
func (d Device) Supports(s ServiceType) bool {
	if d.HasService(s) {
		return true
	}
	return s == SFTP && d.HasService(SSH)
}

// IsFavorite reports whether the user marked s as a favorite for this device.
func (d Device) IsFavorite(s ServiceType) bool {
	return containsService(d.FavoriteServices, s)
}

// ToggleFavorite flips s in the favorite set and returns whether it is now a favorite.
func (d *Device) ToggleFavorite(s ServiceType) bool {
	if d.IsFavorite(s) {
		out := d.FavoriteServices[:0:0]
		for _, fav := range d.FavoriteServices {
			if fav != s {
				out = append(out, fav)
			}
		}
		d.FavoriteServices = out
		return false
	}
	d.FavoriteServices = SortServices(append(cloneServices(d.FavoriteServices), s))
	return true
}

// String returns a short human-readable description.
func (d Device) String() string {
	if d.MAC == "" {
		return fmt.Sprintf("%s (%s)", d.Name, d.IP)
	}
	return fmt.Sprintf("%s (%s, %s)", d.Name, d.IP, d.MAC)
}

// CloneDevices deep-copies a device slice.
func CloneDevices(devices []Device) []Device {
	if devices == nil {
		return nil
	}
	out := make([]Device, len(devices))
	for i, d := range devices {
		out[i] = d.Clone()
	}
	return out
}

func cloneServices(in []ServiceType) []ServiceType {
	if in == nil {
		return nil
	}
	out := make([]ServiceType, len(in))
	copy(out, in)
	return out
}

func containsService(set []ServiceType, s ServiceType) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
