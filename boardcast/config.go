package boardcast

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/moyoez/doorbell-signal/tool"
)

const (
	// sweepConcurrency bounds concurrent /info requests of one sweep.
	sweepConcurrency = 24
	// sweepRatePPS is the default probe rate; a /24 takes about 8s.
	sweepRatePPS = 30
	// icmpProbeTimeout is the timeout for the ICMP echo sent before the HTTP request.
	icmpProbeTimeout = 200 * time.Millisecond
	// maxSweepHosts caps the targets generated per network.
	maxSweepHosts = 254
)

var (
	// networkIPsCache caches generated targets until the interface addresses change
	networkIPsCacheMu  sync.RWMutex
	networkIPsCache    []string
	networkIPsCacheKey string
)

// getNetworkInterfaces returns the usable interfaces, or only the named one.
func getNetworkInterfaces(name string) ([]*net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("failed to get network interface %s: %v", name, err)
		}
		if tool.RejectUnsupportNetworkInterface(iface) {
			return nil, fmt.Errorf("network interface %s is not supported", name)
		}
		return []*net.Interface{iface}, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %v", err)
	}
	var valid []*net.Interface
	for i := range interfaces {
		iface := &interfaces[i]
		// remove tun connections.
		if tool.RejectUnsupportNetworkInterface(iface) {
			continue
		}
		valid = append(valid, iface)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid network interfaces found")
	}
	return valid, nil
}

// getCachedNetworkIPs returns every host address on the IPv4 networks of the selected
// interfaces. The result is cached per interface selection and address set.
func getCachedNetworkIPs(ifaceName string) ([]string, error) {
	interfaces, err := getNetworkInterfaces(ifaceName)
	if err != nil {
		return nil, err
	}
	var nets []*net.IPNet
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
				continue
			}
			nets = append(nets, ipnet)
		}
	}

	var keyBuilder strings.Builder
	keyBuilder.WriteString("if:")
	keyBuilder.WriteString(ifaceName)
	keyBuilder.WriteString(";")
	for _, ipnet := range nets {
		keyBuilder.WriteString(ipnet.String())
		keyBuilder.WriteString(";")
	}
	currentKey := keyBuilder.String()

	networkIPsCacheMu.RLock()
	if networkIPsCacheKey == currentKey && len(networkIPsCache) > 0 {
		result := make([]string, len(networkIPsCache))
		copy(result, networkIPsCache)
		networkIPsCacheMu.RUnlock()
		return result, nil
	}
	networkIPsCacheMu.RUnlock()

	var targets []string
	for _, ipnet := range nets {
		targets = append(targets, GenerateNetworkIPs(ipnet)...)
	}

	networkIPsCacheMu.Lock()
	networkIPsCache = targets
	networkIPsCacheKey = currentKey
	networkIPsCacheMu.Unlock()

	result := make([]string, len(targets))
	copy(result, targets)
	return result, nil
}

// GenerateNetworkIPs lists the host addresses of ipnet, at most maxSweepHosts of them.
// Networks smaller than a /24 yield their real host range.
func GenerateNetworkIPs(ipnet *net.IPNet) []string {
	var ips []string
	ip := ipnet.IP.To4()
	if ip == nil {
		return ips
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 || ones >= 31 {
		return ips
	}
	network := ip.Mask(ipnet.Mask)
	hostBits := 32 - ones

	maxHosts := maxSweepHosts
	if hostBits < 8 {
		maxHosts = (1 << hostBits) - 2 // -2 for network and broadcast
	}

	base := uint32(network[0])<<24 | uint32(network[1])<<16 | uint32(network[2])<<8 | uint32(network[3])
	for i := 1; i <= maxHosts; i++ {
		n := base + uint32(i)
		ips = append(ips, net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).String())
	}
	return ips
}
