package bandwidth

import (
	"testing"

	core "netsight/internal/core/model"
)

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		name      string
		kind      core.InterfaceKind
		relevance int
	}{
		{"lo", core.KindLoopback, 5},
		{"lo0", core.KindLoopback, 5},
		{"awdl0", core.KindSystemPrivate, 10},
		{"anpi1", core.KindSystemPrivate, 10},
		{"llw0", core.KindSystemPrivate, 10},
		{"gif0", core.KindSystemPrivate, 10},
		{"stf0", core.KindSystemPrivate, 10},
		{"bridge0", core.KindSystemPrivate, 10},
		{"utun3", core.KindVpn, 80},
		{"tun0", core.KindVpn, 80},
		{"wg0", core.KindVpn, 80},
		{"tailscale0", core.KindVpn, 80},
		{"docker0", core.KindContainerVirtual, 20},
		{"br-9f2c1a", core.KindContainerVirtual, 20},
		{"virbr0", core.KindContainerVirtual, 20},
		{"veth01ab", core.KindContainerVirtual, 20},
		{"cni0", core.KindContainerVirtual, 20},
		{"flannel.1", core.KindContainerVirtual, 20},
		{"VMware Network Adapter", core.KindContainerVirtual, 15},
		{"Hyper-V Virtual Switch", core.KindContainerVirtual, 15},
		{"wlan0", core.KindWifi, 90},
		{"wlp3s0", core.KindWifi, 90},
		{"wifi0", core.KindWifi, 90},
		{"eth0", core.KindEthernet, 95},
		{"en0", core.KindEthernet, 95},
		{"Ethernet 2", core.KindEthernet, 95},
		{"mystery9", core.KindUnknown, 30},
	}

	for _, tc := range cases {
		rec := Classify(tc.name, nil)
		if rec.Kind != tc.kind {
			t.Errorf("%s: expected kind %v, got %v", tc.name, tc.kind, rec.Kind)
		}
		if rec.Relevance != tc.relevance {
			t.Errorf("%s: expected relevance %d, got %d", tc.name, tc.relevance, rec.Relevance)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := Classify("utun2", nil)
		b := Classify("utun2", nil)
		if a.Kind != b.Kind || a.Relevance != b.Relevance {
			t.Fatalf("classification is not deterministic: %+v vs %+v", a, b)
		}
	}
}
