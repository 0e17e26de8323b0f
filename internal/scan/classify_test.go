package scan

import "testing"

func TestClassifyRouterBySuffix(t *testing.T) {
	macs := []string{"", "b8:27:eb:11:22:33", "f0:18:98:00:00:01", "00:50:56:aa:bb:cc", "garbage"}
	for _, ip := range []string{"192.168.1.1", "10.0.0.254", "172.16.5.1"} {
		for _, mac := range macs {
			if got := Classify(mac, ip); got != LabelRouter {
				t.Fatalf("Classify(%q, %q) = %q, want Router", mac, ip, got)
			}
		}
	}
	// Only the final octet counts.
	if got := Classify("", "192.168.1.11"); got == LabelRouter {
		t.Fatal(".11 must not be classified as a router")
	}
}

func TestClassifyVendorTables(t *testing.T) {
	cases := []struct {
		mac  string
		want string
	}{
		{"b8:27:eb:11:22:33", LabelRaspberryPi},
		{"DC:A6:32:01:02:03", LabelRaspberryPi},
		{"e4:5f:01:aa:bb:cc", LabelRaspberryPi},
		{"f0:18:98:01:02:03", LabelIPhone},
		{"e8:80:2e:01:02:03", LabelIPhone},
		{"a4:83:e7:01:02:03", LabelIPad},
		{"98:FE:94:01:02:03", LabelIPad},
		{"8c:85:90:12:34:56", LabelMacBook},
		{"00:08:22:01:02:03", LabelAndroidPhone},
		{"00:12:fb:01:02:03", LabelAndroidPhone},
		{"00:09:d0:01:02:03", LabelSmartTV},
		{"00:11:32:01:02:03", LabelNAS},
		{"00:50:56:01:02:03", LabelVMwareVM},
		{"00:0c:29:01:02:03", LabelVMwareVM},
		{"08:00:27:01:02:03", LabelVirtualBoxVM},
		{"12:34:56:78:9a:bc", LabelNetworkDevice},
		{"", LabelNetworkDevice},
		{"not-a-mac", LabelNetworkDevice},
	}
	for _, tc := range cases {
		if got := Classify(tc.mac, "192.168.1.20"); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.mac, got, tc.want)
		}
	}
}

func TestClassifyAcceptsUnpaddedAndDashedMACs(t *testing.T) {
	for _, mac := range []string{"0:50:56:1:2:3", "00-50-56-01-02-03", "00:50:56:01:02:03"} {
		if got := Classify(mac, "192.168.1.40"); got != LabelVMwareVM {
			t.Fatalf("Classify(%q) = %q, want VMware VM", mac, got)
		}
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	for _, rule := range ouiRules {
		for prefix := range rule.prefixes {
			mac := prefix + ":00:00:01"
			first := Classify(mac, "192.168.1.77")
			for i := 0; i < 5; i++ {
				if got := Classify(mac, "192.168.1.77"); got != first {
					t.Fatalf("Classify(%q) changed from %q to %q", mac, first, got)
				}
			}
		}
	}
}
