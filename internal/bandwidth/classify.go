package bandwidth

import (
	"net"
	"strings"

	core "netsight/internal/core/model"
)

// Relevance thresholds used by snapshot consumers to filter interfaces.
const (
	RelevanceImportant = 80
)

// name pattern tables, checked in rule order. First match wins.
var (
	macosPrivatePrefixes = []string{"anpi", "awdl", "llw", "ap", "bridge", "gif", "stf"}
	vpnPrefixes          = []string{"utun", "tun", "wg", "tailscale"}
	containerPrefixes    = []string{"docker", "br-", "virbr", "veth", "cni", "flannel"}
	windowsVirtualMarks  = []string{"virtual", "vmware", "hyper-v", "loopback pseudo"}
	wifiPrefixes         = []string{"wl", "wlan", "wifi"}
	ethernetPrefixes     = []string{"eth", "en", "ethernet"}
)

// Classify labels an interface by name pattern and assigns a relevance
// score. It is a pure function: the same name and address set produce
// the same record on every platform build.
//
// The 802.11 flag some platforms expose is not part of the counter
// facility, so wifi detection here is purely by name; en* without a
// wireless name falls through to the ethernet rule.
func Classify(name string, addrs []net.IP) core.InterfaceRecord {
	rec := core.InterfaceRecord{
		ID:        name,
		Addresses: addrs,
	}
	rec.Kind, rec.Relevance = classifyName(strings.ToLower(name))
	return rec
}

func classifyName(name string) (core.InterfaceKind, int) {
	// Loopback first: lo, lo0, lo1...
	if name == "lo" || (strings.HasPrefix(name, "lo") && allDigits(name[2:])) {
		return core.KindLoopback, 5
	}

	// VPN tunnels are matched before the private-prefix and container
	// rules.
	for _, p := range vpnPrefixes {
		if strings.HasPrefix(name, p) {
			return core.KindVpn, 80
		}
	}

	// macOS system-private interfaces.
	for _, p := range macosPrivatePrefixes {
		if strings.HasPrefix(name, p) {
			return core.KindSystemPrivate, 10
		}
	}

	// Linux container and bridge devices.
	for _, p := range containerPrefixes {
		if strings.HasPrefix(name, p) {
			return core.KindContainerVirtual, 20
		}
	}

	// Windows virtual adapters carry descriptive names.
	for _, m := range windowsVirtualMarks {
		if strings.Contains(name, m) {
			return core.KindContainerVirtual, 15
		}
	}

	for _, p := range wifiPrefixes {
		if strings.HasPrefix(name, p) {
			return core.KindWifi, 90
		}
	}

	for _, p := range ethernetPrefixes {
		if strings.HasPrefix(name, p) {
			return core.KindEthernet, 95
		}
	}

	return core.KindUnknown, 30
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
