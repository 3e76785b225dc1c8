package tool

import (
	"net"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	probing "github.com/prometheus-community/pro-bing"
)

const localAddressTTL = 5 * time.Second

// localAddressCache keeps the last lookup per interface name ("" = any); interfaces are
// enumerated on every miss, which is too slow for per-send self exclusion.
var localAddressCache = ttlworker.NewCache[string, string](localAddressTTL)

// RejectUnsupportNetworkInterface reports interfaces that cannot carry LAN peers.
func RejectUnsupportNetworkInterface(iface *net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 {
		return true
	}
	if iface.Flags&net.FlagLoopback != 0 {
		return true
	}
	if iface.Flags&net.FlagPointToPoint != 0 {
		return true // utun / tun / vpn
	}
	if iface.Flags&net.FlagMulticast == 0 {
		return true // mDNS needs multicast
	}
	return false
}

// LocalAddressProvider resolves this device's current LAN address.
type LocalAddressProvider struct {
	// Interface restricts the lookup to one interface name; empty means any.
	Interface string
}

// LocalAddress returns the preferred LAN IPv4 address, or "" when offline.
func (p LocalAddressProvider) LocalAddress() string {
	if cached := localAddressCache.Get(p.Interface); cached != "" {
		return cached
	}
	addr := lookupLocalAddress(p.Interface)
	if addr != "" {
		localAddressCache.Set(p.Interface, addr)
	}
	return addr
}

// InvalidateLocalAddress drops cached lookups, e.g. after a network change.
func InvalidateLocalAddress(ifaceName string) {
	localAddressCache.Delete(ifaceName)
}

func lookupLocalAddress(ifaceName string) string {
	interfaces, err := net.Interfaces()
	if err != nil {
		DefaultLogger.Errorf("Failed to get network interfaces: %v", err)
		return ""
	}

	var fallback string
	for i := range interfaces {
		iface := &interfaces[i]
		if ifaceName != "" && iface.Name != ifaceName {
			continue
		}
		if RejectUnsupportNetworkInterface(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if ip.IsPrivate() {
				return ip.String()
			}
			if fallback == "" {
				fallback = ip.String()
			}
		}
	}
	return fallback
}

// GetLocalIPv4Set returns every non-loopback IPv4 address of this host.
func GetLocalIPv4Set() map[string]struct{} {
	result := make(map[string]struct{})

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return result
	}

	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		ip := ipnet.IP
		if ip == nil || ip.IsLoopback() {
			continue
		}

		ipv4 := ip.To4()
		if ipv4 == nil {
			continue
		}

		result[ipv4.String()] = struct{}{}
	}

	return result
}

// QuickICMPProbe sends a single unprivileged echo request and reports whether a reply
// arrived within timeout.
func QuickICMPProbe(host string, timeout time.Duration) bool {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		DefaultLogger.Debugf("ICMP probe: failed to create pinger for %s: %v", host, err)
		return false
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		DefaultLogger.Debugf("ICMP probe: %s failed: %v", host, err)
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
