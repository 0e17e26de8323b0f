// Package history keeps the bounded list of previously seen devices and
// persists it through a pluggable Backend.
package history

import (
	"net/netip"
	"sort"

	"localscope/internal/model"
)

// DefaultLimit is the number of records retained when no limit is configured.
const DefaultLimit = 50

// Merge folds incoming into current and returns a new list.
//
// Records are matched by IP. The record with the greater LastSeen wins and on a
// tie the current record is kept. When an incoming record replaces a current one
// it inherits the current ID so identifiers stay stable across scans. The result
// is sorted by LastSeen descending (IP ascending on ties) and truncated to limit.
// Neither input is modified.
func Merge(current, incoming []model.Device, limit int) []model.Device {
	if limit <= 0 {
		limit = DefaultLimit
	}

	byIP := make(map[string]int, len(current)+len(incoming))
	merged := make([]model.Device, 0, len(current)+len(incoming))

	for _, d := range current {
		if idx, ok := byIP[d.IP]; ok {
			if d.LastSeen.After(merged[idx].LastSeen) {
				merged[idx] = d.Clone()
			}
			continue
		}
		byIP[d.IP] = len(merged)
		merged = append(merged, d.Clone())
	}

	for _, d := range incoming {
		idx, ok := byIP[d.IP]
		if !ok {
			byIP[d.IP] = len(merged)
			merged = append(merged, d.Clone())
			continue
		}
		existing := merged[idx]
		if !d.LastSeen.After(existing.LastSeen) {
			continue
		}
		replacement := d.Clone()
		if existing.ID != "" {
			replacement.ID = existing.ID
		}
		merged[idx] = replacement
	}

	Sort(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Sort orders devices by LastSeen descending, then by IP ascending.
func Sort(devices []model.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := devices[i], devices[j]
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return lessIP(a.IP, b.IP)
	})
}

func lessIP(a, b string) bool {
	addrA, errA := netip.ParseAddr(a)
	addrB, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return addrA.Less(addrB)
}
