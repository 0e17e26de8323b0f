package scan

import (
	"context"
	"strings"

	"github.com/endobit/oui"

	"localscope/internal/model"
)

// describeDevices labels each candidate and fills in its vendor and, when a
// namer is configured, its hostname. The input slice is not modified.
func describeDevices(ctx context.Context, devices []model.Device, namer Namer) []model.Device {
	var names map[string]string
	if namer != nil && len(devices) > 0 {
		names = namer.Names(ctx, devices)
	}

	out := make([]model.Device, 0, len(devices))
	for _, d := range devices {
		d = d.Clone()
		d.Name = Classify(d.MAC, d.IP)
		d.Vendor = lookupVendor(d.MAC)
		if host, ok := names[d.IP]; ok {
			d.Hostname = host
		}
		out = append(out, d)
	}
	return out
}

func lookupVendor(mac string) string {
	if mac == "" {
		return ""
	}
	return oui.Vendor(strings.ToLower(mac))
}
