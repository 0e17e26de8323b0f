package scan

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

var testSubnet = Subnet{Prefix: "192.168.1"}

func TestParseProcNetARP(t *testing.T) {
	table := `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.1      0x1         0x2         aa:bb:cc:00:00:01     *        wlan0
192.168.1.20     0x1         0x2         b8:27:eb:11:22:33     *        wlan0
192.168.1.30     0x1         0x0         00:00:00:00:00:00     *        wlan0
`
	entries, skipped := parseNeighborTable(table)
	want := []neighborEntry{
		{IP: "192.168.1.1", MAC: "AA:BB:CC:00:00:01"},
		{IP: "192.168.1.20", MAC: "B8:27:EB:11:22:33"},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if skipped != 1 {
		t.Fatalf("expected the unresolved entry to be skipped, got %d", skipped)
	}
}

func TestParseBSDArpOutput(t *testing.T) {
	table := `? (192.168.1.1) at aa:bb:cc:0:0:1 on en0 ifscope [ethernet]
router.lan (192.168.1.254) at 0:11:22:33:44:55 on en0 ifscope permanent [ethernet]
? (192.168.1.30) at (incomplete) on en0 ifscope [ethernet]
? (192.168.1.255) at ff:ff:ff:ff:ff:ff on en0 ifscope [ethernet]
? (192.168.1.40) at <incomplete> on eth0
? (192.168.1.41) at garbage on en0
`
	entries, skipped := parseNeighborTable(table)
	want := []neighborEntry{
		{IP: "192.168.1.1", MAC: "AA:BB:CC:00:00:01"},
		{IP: "192.168.1.254", MAC: "00:11:22:33:44:55"},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if skipped != 4 {
		t.Fatalf("expected 4 skipped lines, got %d", skipped)
	}
}

func TestParseWindowsArpOutput(t *testing.T) {
	table := `
Interface: 192.168.1.10 --- 0x4
  Internet Address      Physical Address      Type
  192.168.1.1           aa-bb-cc-00-00-01     dynamic
  192.168.1.20          b8-27-eb-11-22-33     dynamic
  192.168.1.255         ff-ff-ff-ff-ff-ff     static
  224.0.0.22            01-00-5e-00-00-16     static
`
	entries, skipped := parseNeighborTable(table)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", entries)
	}
	if entries[1].MAC != "B8:27:EB:11:22:33" {
		t.Fatalf("expected dashed MAC to be normalised, got %s", entries[1].MAC)
	}
	if skipped != 1 {
		t.Fatalf("expected broadcast entry to be skipped, got %d", skipped)
	}
}

func TestFilterNeighbors(t *testing.T) {
	entries := []neighborEntry{
		{IP: "192.168.1.1", MAC: "AA:BB:CC:00:00:01"},
		{IP: "192.168.1.10", MAC: "11:22:33:44:55:66"}, // local address
		{IP: "10.0.0.5", MAC: "00:11:22:33:44:55"},     // other subnet
		{IP: "192.168.1.20", MAC: "B8:27:EB:11:22:33"},
		{IP: "192.168.1.20", MAC: "B8:27:EB:99:99:99"}, // duplicate
		{IP: "192.168.1.255", MAC: "00:11:22:33:44:56"},
	}
	devices, stats, err := filterNeighbors(entries, testSubnet, "192.168.1.10", base())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != 2 || stats.Entries != 2 || stats.Skipped != 4 {
		t.Fatalf("unexpected result %+v stats=%+v", devices, stats)
	}
	if devices[1].MAC != "B8:27:EB:11:22:33" {
		t.Fatal("duplicate IPs should keep the first entry")
	}
	for _, d := range devices {
		if d.ID == "" || d.Name != "" || len(d.AvailableServices) != 0 {
			t.Fatalf("candidate should only carry id, ip, mac and last seen: %+v", d)
		}
	}
}

func TestSystemNeighborsPrefersProc(t *testing.T) {
	src := SystemNeighbors{
		goos: "linux",
		readFile: func(string) ([]byte, error) {
			return []byte("IP address HW type Flags HW address Mask Device\n192.168.1.5 0x1 0x2 00:11:22:33:44:55 * eth0\n"), nil
		},
		run: func(context.Context, string, ...string) ([]byte, error) {
			t.Fatal("arp command should not run when /proc/net/arp is readable")
			return nil, nil
		},
	}
	devices, _, err := src.Neighbors(context.Background(), testSubnet, "192.168.1.10")
	if err != nil || len(devices) != 1 || devices[0].IP != "192.168.1.5" {
		t.Fatalf("unexpected result %+v err=%v", devices, err)
	}
}

func TestSystemNeighborsFallsBackToArp(t *testing.T) {
	var gotArgs []string
	src := SystemNeighbors{
		goos:     "linux",
		readFile: func(string) ([]byte, error) { return nil, errors.New("no procfs") },
		run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotArgs = append([]string{name}, args...)
			return []byte("? (192.168.1.7) at 0:1:2:3:4:5 [ether] on eth0\n"), nil
		},
	}
	devices, _, err := src.Neighbors(context.Background(), testSubnet, "")
	if err != nil || len(devices) != 1 || devices[0].MAC != "00:01:02:03:04:05" {
		t.Fatalf("unexpected result %+v err=%v", devices, err)
	}
	if !reflect.DeepEqual(gotArgs, []string{"arp", "-an"}) {
		t.Fatalf("unexpected command %v", gotArgs)
	}
}

func TestSystemNeighborsReportsCommandFailure(t *testing.T) {
	src := SystemNeighbors{
		goos: "darwin",
		run: func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("exec: arp not found")
		},
	}
	if _, _, err := src.Neighbors(context.Background(), testSubnet, ""); err == nil {
		t.Fatal("expected error when the neighbor table cannot be read")
	}
}

func TestNormaliseMAC(t *testing.T) {
	cases := map[string]string{
		"8c-85-90-12-34-56": "8C:85:90:12:34:56",
		"0:1b:2c:3:4:5":     "00:1B:2C:03:04:05",
		"AA:BB:CC:DD:EE:FF": "AA:BB:CC:DD:EE:FF",
		"invalid":           "",
		"":                  "",
	}
	for in, want := range cases {
		if got := normaliseMAC(in); got != want {
			t.Fatalf("normaliseMAC(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFirstHostname(t *testing.T) {
	if got := firstHostname([]string{"nas.local.", " ", "media.local.", "nas.local."}); got != "media.local" {
		t.Fatalf("firstHostname = %q, want media.local", got)
	}
	if got := firstHostname([]string{" ", "."}); got != "" {
		t.Fatalf("expected no hostname, got %q", got)
	}
}
