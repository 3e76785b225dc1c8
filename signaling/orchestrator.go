// Package signaling ties discovery, the peer registry, the RPC server and the RPC
// client together for the doorbell call flow.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/moyoez/doorbell-signal/action"
	"github.com/moyoez/doorbell-signal/api"
	"github.com/moyoez/doorbell-signal/api/notifyhub"
	"github.com/moyoez/doorbell-signal/metrics"
	"github.com/moyoez/doorbell-signal/notify"
	"github.com/moyoez/doorbell-signal/nsd"
	"github.com/moyoez/doorbell-signal/share"
	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/transfer"
	"github.com/moyoez/doorbell-signal/types"
)

const (
	// retryBackoff is multiplied by the attempt number between critical retries.
	retryBackoff = 500 * time.Millisecond
	probeTimeout = time.Second
)

// ErrAlreadyRunning is returned by Run when another Run is active.
var ErrAlreadyRunning = errors.New("orchestrator is already running")

// Options wires an Orchestrator. Config, ServiceTypes and Backend are required.
type Options struct {
	Config       types.AppConfig
	ServiceTypes *types.ServiceTypes
	Backend      nsd.Backend

	Frames       types.FrameProvider
	LocalAddress types.LocalAddressProvider
	Metrics      *metrics.Metrics
	State        *AppState
	// Filter limits which resolved peers enter the registry; nil accepts all.
	Filter share.Filter
}

// Orchestrator is the façade the call layer talks to.
type Orchestrator struct {
	cfg          types.AppConfig
	serviceTypes *types.ServiceTypes
	localType    types.ServiceType
	discoverCfgs []nsd.DiscoveryConfig

	protocol  *action.Protocol
	server    *api.Server
	client    *transfer.Client
	discovery *nsd.Discovery
	registry  *share.Registry
	hub       *notifyhub.Hub
	notifier  *notify.Notifier
	metrics   *metrics.Metrics
	localAddr types.LocalAddressProvider

	state         *AppState
	motionLimiter *rate.Limiter
	managers      *callManagers

	assignedName atomic.Pointer[string]

	retries   sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func New(opts Options) (*Orchestrator, error) {
	if opts.ServiceTypes == nil {
		return nil, errors.New("service types are required")
	}
	if opts.Backend == nil {
		return nil, errors.New("discovery backend is required")
	}
	cfg := opts.Config
	localType, ok := opts.ServiceTypes.ByUID(cfg.ServiceType)
	if !ok || localType.IsUnspecified() {
		return nil, fmt.Errorf("unknown local service type %q", cfg.ServiceType)
	}
	var configs []nsd.DiscoveryConfig
	for _, uid := range cfg.DiscoverTypes {
		t, ok := opts.ServiceTypes.ByUID(uid)
		if !ok {
			return nil, fmt.Errorf("unknown discovery service type %q", uid)
		}
		configs = append(configs, nsd.DiscoveryConfig{ServiceTypeName: t.ServiceTypeName(), Protocol: "tcp"})
	}
	if opts.State == nil {
		opts.State = NewAppState()
	}
	if opts.LocalAddress == nil {
		opts.LocalAddress = tool.LocalAddressProvider{Interface: cfg.NetworkInterface}
	}

	o := &Orchestrator{
		cfg:           cfg,
		serviceTypes:  opts.ServiceTypes,
		localType:     localType,
		discoverCfgs:  configs,
		protocol:      action.NewProtocol(),
		hub:           notifyhub.New(),
		metrics:       opts.Metrics,
		localAddr:     opts.LocalAddress,
		state:         opts.State,
		motionLimiter: motionLimiter(cfg.MotionEventsPerMinute),
		managers:      newCallManagers(),
		closing:       make(chan struct{}),
	}
	o.notifier = notify.New(o.hub, cfg.NotifySocket)

	o.server = api.NewServer(api.Options{
		BindAddress:  cfg.BindAddress,
		Port:         cfg.Port,
		StopGrace:    cfg.StopGrace,
		Protocol:     o.protocol,
		OnAction:     o.dispatch,
		Frames:       opts.Frames,
		LocalAddress: opts.LocalAddress,
		Info:         o.deviceInfo,
		Metrics:      opts.Metrics,
		Hub:          o.hub,
		Greeting:     o.greeting,
	})
	if err := api.AddDefaultRoutes(o.server); err != nil {
		return nil, fmt.Errorf("failed to install action routes: %w", err)
	}

	o.client = transfer.NewClient(o.protocol, cfg.SendTimeout, opts.Metrics)
	o.discovery = nsd.NewDiscovery(opts.Backend)
	o.registry = share.NewRegistry(o.discovery, opts.ServiceTypes,
		share.WithFilter(opts.Filter),
		share.WithMetrics(opts.Metrics),
	)
	return o, nil
}

func motionLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func (o *Orchestrator) Server() *api.Server { return o.server }

func (o *Orchestrator) Registry() *share.Registry { return o.registry }

func (o *Orchestrator) State() *AppState { return o.state }

func (o *Orchestrator) Notifier() *notify.Notifier { return o.notifier }

func (o *Orchestrator) LocalServiceType() types.ServiceType { return o.localType }

// Send delivers any registered action to device without waiting for the outcome.
func (o *Orchestrator) Send(device types.PeerDevice, a action.Action) error {
	return o.client.Send(device, a)
}

func (o *Orchestrator) SendOffer(device types.PeerDevice, sdp string) {
	local := o.QueryLocalDevice()
	o.sendCritical(device, action.SDPOffer{Device: &local, SDP: sdp})
}

func (o *Orchestrator) SendAnswer(device types.PeerDevice, sdp string) {
	local := o.QueryLocalDevice()
	o.sendCritical(device, action.SDPAnswer{Device: &local, SDP: sdp})
}

func (o *Orchestrator) SendAccept(device types.PeerDevice) {
	local := o.QueryLocalDevice()
	o.send(device, action.CallAccept{Device: &local})
}

func (o *Orchestrator) SendDismiss(device types.PeerDevice) {
	local := o.QueryLocalDevice()
	o.send(device, action.CallDismiss{Device: &local})
}

func (o *Orchestrator) SendIceCandidate(device types.PeerDevice, sdpMid string, sdpMLineIndex int, sdp string) {
	local := o.QueryLocalDevice()
	o.send(device, action.ICECandidate{
		Device:        &local,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		SDP:           sdp,
	})
}

// SendCallStart rings callee.
func (o *Orchestrator) SendCallStart(caller, callee types.PeerDevice) {
	o.send(callee, action.CallStart{Caller: &caller, Callee: &callee})
}

// SendCallStarted confirms the call back to caller.
func (o *Orchestrator) SendCallStarted(caller, callee types.PeerDevice) {
	o.send(caller, action.CallStarted{Caller: &caller, Callee: &callee})
}

func (o *Orchestrator) send(device types.PeerDevice, a action.Action) {
	if err := o.client.Send(device, a); err != nil {
		tool.DefaultLogger.Errorf("[Signaling] cannot send %s: %v", a.ActionType(), err)
	}
}

// sendCritical is send with cfg.CriticalRetries extra attempts and linear backoff.
func (o *Orchestrator) sendCritical(device types.PeerDevice, a action.Action) {
	if o.cfg.CriticalRetries <= 0 {
		o.send(device, a)
		return
	}
	o.retries.Add(1)
	go func() {
		defer o.retries.Done()
		attempts := o.cfg.CriticalRetries + 1
		for attempt := 1; attempt <= attempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), o.client.Timeout())
			err := o.client.Deliver(ctx, device, a)
			cancel()
			if err == nil {
				return
			}
			if errors.Is(err, action.ErrUnregistered) {
				tool.DefaultLogger.Errorf("[Signaling] cannot send %s: %v", a.ActionType(), err)
				return
			}
			if attempt == attempts {
				tool.DefaultLogger.Warnf("[Signaling] %s to %s dropped after %d attempts: %v", a.ActionType(), device.HostPort(), attempts, err)
				return
			}
			tool.DefaultLogger.Debugf("[Signaling] %s to %s failed (attempt %d/%d): %v", a.ActionType(), device.HostPort(), attempt, attempts, err)
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-o.closing:
				return
			}
		}
	}()
}

// BroadcastToAll sends a to every known peer of the given types (all peers when none
// are given). With excludeSelf, peers at this device's own address are skipped.
// It returns the number of peers addressed.
func (o *Orchestrator) BroadcastToAll(serviceTypes []types.ServiceType, a action.Action, excludeSelf bool) (int, error) {
	if a == nil || !o.protocol.IsRegistered(a) {
		return 0, fmt.Errorf("broadcast: %w", action.ErrUnregistered)
	}
	self := ""
	if excludeSelf {
		self = o.localAddress()
	}
	sent := 0
	for _, device := range o.registry.ByType(serviceTypes...) {
		if excludeSelf && self != "" && device.Address == self {
			continue
		}
		if err := o.client.Send(device, a); err != nil {
			return sent, err
		}
		sent++
	}
	tool.DefaultLogger.Debugf("[Signaling] %s broadcast to %d peer(s)", a.ActionType(), sent)
	return sent, nil
}

// QueryLocalDevice describes this process as a peer: the address it is reachable at,
// the bound server port and the configured service type and name.
func (o *Orchestrator) QueryLocalDevice() types.PeerDevice {
	name := o.cfg.ServiceName
	if assigned := o.assignedName.Load(); assigned != nil {
		name = *assigned
	}
	if o.server.State() != api.StateRunning {
		return types.Placeholder(name, o.localType.UID)
	}
	return types.NewPeerDevice(o.localAddress(), uint16(o.server.Port()), name, o.localType.UID)
}

// localAddress is the bound address when the server listens on a specific one, else
// the current LAN address.
func (o *Orchestrator) localAddress() string {
	bind := o.cfg.BindAddress
	if bind != "" {
		ip, err := netip.ParseAddr(bind)
		// hostnames count as specific; the server advertises what they resolved to
		if err != nil || !ip.IsUnspecified() {
			if addr := o.server.Address(); addr != "" {
				return addr
			}
		}
	}
	if addr := o.localAddr.LocalAddress(); addr != "" {
		return addr
	}
	return o.server.Address()
}

// Devices lists known peers of the given types; no types means all.
func (o *Orchestrator) Devices(serviceTypes ...types.ServiceType) []types.PeerDevice {
	return o.registry.ByType(serviceTypes...)
}

func (o *Orchestrator) FindDevice(name string) (types.PeerDevice, bool) {
	return o.registry.Find(name)
}

// Probe reports whether device answers an ICMP echo.
func (o *Orchestrator) Probe(device types.PeerDevice) bool {
	return tool.QuickICMPProbe(device.Address, probeTimeout)
}

// NotifyMotion records the camera's motion state and, when it changed, tells every
// doorbell client. Detections are rate limited; clearing is always sent. It reports
// whether a broadcast went out.
func (o *Orchestrator) NotifyMotion(detected bool) bool {
	if !o.state.SetMotionDetected(detected) {
		return false
	}
	if detected && !o.motionLimiter.Allow() {
		tool.DefaultLogger.Debugf("[Signaling] motion event suppressed by rate limit")
		return false
	}
	local := o.QueryLocalDevice()
	motion := action.MotionDetected{Device: &local, Detected: detected, At: o.state.MotionChangedAt().UTC()}
	sent, err := o.BroadcastToAll([]types.ServiceType{types.DoorbellClient}, motion, true)
	if err != nil {
		tool.DefaultLogger.Errorf("[Signaling] motion broadcast failed: %v", err)
		return false
	}
	if err := o.notifier.SendNotification(&types.Notification{
		Type:    types.NotifyTypeMotion,
		Title:   "Motion",
		Message: fmt.Sprintf("motion detected=%t, %d client(s) notified", detected, sent),
		Data:    map[string]any{"detected": detected},
	}); err != nil {
		tool.DefaultLogger.Debugf("[Signaling] motion notification failed: %v", err)
	}
	return true
}

// Wait blocks until every outstanding send, retries included, has finished.
func (o *Orchestrator) Wait() {
	o.retries.Wait()
	o.client.Wait()
}

// Close abandons pending retries and waits for in-flight sends. The orchestrator
// cannot send critical actions with retries afterwards.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closing) })
	o.Wait()
}

func (o *Orchestrator) RegisterCallManager(name string, cm CallManager) {
	o.managers.register(name, cm)
}

func (o *Orchestrator) UnregisterCallManager(name string) bool {
	return o.managers.unregister(name)
}

// CallManagers returns the registered managers ordered by name.
func (o *Orchestrator) CallManagers() []CallManager {
	return o.managers.list()
}

// dispatch is the server's onAction: every decoded inbound action goes to local
// observers and to each call manager.
func (o *Orchestrator) dispatch(a action.Action) error {
	o.notifier.Post(notify.ActionNotification(a.ActionType(), action.Sender(a)))
	managers := o.managers.list()
	if len(managers) == 0 {
		tool.DefaultLogger.Debugf("[Signaling] no call manager for %s", a.ActionType())
	}
	for _, cm := range managers {
		cm.HandleAction(a)
	}
	return nil
}

func (o *Orchestrator) deviceInfo() types.DeviceInfo {
	return types.DeviceInfo{
		Device:      o.QueryLocalDevice(),
		DisplayName: o.cfg.DisplayName,
		ServiceType: o.localType,
	}
}

func (o *Orchestrator) greeting() *types.Notification {
	return notify.PeersNotification(o.registry.Snapshot())
}
