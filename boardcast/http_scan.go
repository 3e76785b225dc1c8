// Package boardcast finds doorbell peers without DNS-SD by sweeping the local IPv4
// networks for the GET /info route of the RPC server.
package boardcast

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

const maxInfoBody = 64 * 1024

// SweepOptions configures one sweep. Port is required; peers must be configured with a
// fixed port to be found this way.
type SweepOptions struct {
	Port int
	// Targets overrides the generated host list.
	Targets []string
	// Interface restricts generated targets to one interface; empty means all.
	Interface string
	// Concurrency and RateLimitPPS of 0 use the defaults; a negative rate disables limiting.
	Concurrency  int
	RateLimitPPS int
	// ICMPProbe pings each host first and skips the silent ones.
	ICMPProbe bool
	Timeout   time.Duration
}

// Sweep queries every target and returns the devices that answered, ordered by address.
func Sweep(ctx context.Context, opts SweepOptions) ([]types.DeviceInfo, error) {
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("sweep needs a peer port, got %d", opts.Port)
	}
	targets := opts.Targets
	if len(targets) == 0 {
		generated, err := getCachedNetworkIPs(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to get network IPs: %v", err)
		}
		selfIPs := tool.GetLocalIPv4Set()
		for _, ip := range generated {
			if _, isSelf := selfIPs[ip]; isSelf {
				continue
			}
			targets = append(targets, ip)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no usable local IPv4 addresses found")
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = sweepConcurrency
	}
	var limiter *rate.Limiter
	pps := opts.RateLimitPPS
	if pps == 0 {
		pps = sweepRatePPS
	}
	if pps > 0 {
		burst := pps + 10
		if burst < 20 {
			burst = 20
		}
		limiter = rate.NewLimiter(rate.Limit(pps), burst)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	httpClient := tool.NewHTTPClient(timeout)

	tool.DefaultLogger.Debugf("Sweep: scanning %d IP addresses on port %d (concurrency=%d, ratePPS=%d)", len(targets), opts.Port, concurrency, pps)

	var (
		mu    sync.Mutex
		found []types.DeviceInfo
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, concurrency)
	for _, ip := range targets {
		wg.Add(1)
		go func(targetIP string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			if opts.ICMPProbe && !tool.QuickICMPProbe(targetIP, icmpProbeTimeout) {
				return
			}
			info, ok := queryInfo(ctx, httpClient, targetIP, opts.Port)
			if !ok {
				return
			}
			mu.Lock()
			found = append(found, info)
			mu.Unlock()
		}(ip)
	}
	wg.Wait()

	sortByAddress(found)
	return found, ctx.Err()
}

// sortByAddress orders devices numerically by address, then by port.
func sortByAddress(found []types.DeviceInfo) {
	sort.Slice(found, func(i, j int) bool {
		a, errA := netip.ParseAddr(found[i].Device.Address)
		b, errB := netip.ParseAddr(found[j].Device.Address)
		if errA != nil || errB != nil {
			return found[i].Device.HostPort() < found[j].Device.HostPort()
		}
		if c := a.Compare(b); c != 0 {
			return c < 0
		}
		return found[i].Device.Port < found[j].Device.Port
	})
}

// queryInfo asks one host for GET /info. The answering address wins over whatever the
// peer reports about itself.
func queryInfo(ctx context.Context, client *http.Client, targetIP string, port int) (types.DeviceInfo, bool) {
	urlStr := "http://" + net.JoinHostPort(targetIP, strconv.Itoa(port)) + "/info"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return types.DeviceInfo{}, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.DeviceInfo{}, false
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			tool.DefaultLogger.Errorf("Failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return types.DeviceInfo{}, false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBody))
	if err != nil {
		return types.DeviceInfo{}, false
	}
	info, err := tool.ParseDataBody[types.DeviceInfo](body)
	if err != nil {
		tool.DefaultLogger.Debugf("Sweep: %s answered with an unreadable body: %v", urlStr, err)
		return types.DeviceInfo{}, false
	}
	if info.Device.ServiceName == "" {
		return types.DeviceInfo{}, false
	}
	info.Device.Address = targetIP
	info.Device.Port = uint16(port)
	tool.DefaultLogger.Infof("Sweep: discovered %s at %s", info.Device.ServiceName, urlStr)
	return info, true
}
