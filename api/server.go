package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/moyoez/doorbell-signal/action"
	"github.com/moyoez/doorbell-signal/api/controllers"
	"github.com/moyoez/doorbell-signal/api/defaults"
	"github.com/moyoez/doorbell-signal/api/middlewares"
	"github.com/moyoez/doorbell-signal/api/notifyhub"
	"github.com/moyoez/doorbell-signal/metrics"
	"github.com/moyoez/doorbell-signal/notify"
	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

// ErrServerRunning is returned when routes change while the server is not stopped.
var ErrServerRunning = errors.New("rpc server is not stopped")

const (
	DefaultStopGrace  = time.Second
	readHeaderTimeout = 10 * time.Second
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Options configures a Server. Only Protocol is required.
type Options struct {
	BindAddress string
	Port        int // 0 lets the OS choose
	StopGrace   time.Duration

	Protocol *action.Protocol
	OnAction controllers.Dispatcher

	Frames       types.FrameProvider
	LocalAddress types.LocalAddressProvider
	// Info describes this device on GET /info and in the pairing QR code.
	Info    func() types.DeviceInfo
	Metrics *metrics.Metrics
	Hub     *notifyhub.Hub
	// Greeting is the first message of each /events client.
	Greeting func() *types.Notification
}

// Server is the embedded HTTP server hosting one POST route per action.
type Server struct {
	opts    Options
	engine  *gin.Engine
	actions *controllers.ActionController

	mu         sync.Mutex
	state      State
	routes     map[string]struct{}
	httpServer *http.Server
	serveDone  chan struct{}
	binding    chan struct{} // closed when a Start leaves StateStarting
	address    string
	port       int

	listen func(network, address string) (net.Listener, error)
}

func NewServer(opts Options) *Server {
	if opts.Protocol == nil {
		opts.Protocol = action.NewProtocol()
	}
	if opts.OnAction == nil {
		opts.OnAction = defaults.DefaultOnAction
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.BindAddress == "" {
		opts.BindAddress = "0.0.0.0"
	}
	s := &Server{
		opts:   opts,
		routes: make(map[string]struct{}),
		listen: net.Listen,
	}
	s.actions = controllers.NewActionController(opts.Protocol, opts.OnAction, opts.Metrics)
	s.engine = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	if tool.DefaultLogger.GetLevel() == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middlewares.RequestLogger)
	engine.Use(gin.Recovery())

	engine.GET("/capture", controllers.HandleCapture(s.opts.Frames))
	engine.GET("/info", controllers.HandleInfo(s.info))
	engine.GET("/pair.png", controllers.HandlePairQRCode(s.pairURL))
	if s.opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}
	if s.opts.Hub != nil {
		engine.GET("/events", middlewares.OnlyAllowLocal, notifyhub.HandleNotifyWS(s.opts.Hub, s.opts.Greeting))
	}

	engine.NoRoute(s.actions.HandleUnknown)
	return engine
}

// AddRoute makes T decodable and installs POST /<tag> for it. Adding the same T twice
// is a no-op. Routes can only change while the server is stopped.
func AddRoute[T action.Action](s *Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return fmt.Errorf("%w: state is %s", ErrServerRunning, s.state)
	}
	if err := action.Register[T](s.opts.Protocol); err != nil {
		return err
	}
	var zero T
	tag := zero.ActionType()
	if _, ok := s.routes[tag]; ok {
		return nil
	}
	s.routes[tag] = struct{}{}
	s.engine.POST("/"+tag, s.actions.Handle(tag))
	tool.DefaultLogger.Debugf("[RPC] route POST /%s installed", tag)
	return nil
}

// AddDefaultRoutes installs the doorbell signaling catalogue.
func AddDefaultRoutes(s *Server) error {
	for _, add := range []func(*Server) error{
		AddRoute[action.SDPOffer],
		AddRoute[action.SDPAnswer],
		AddRoute[action.ICECandidate],
		AddRoute[action.CallAccept],
		AddRoute[action.CallDismiss],
		AddRoute[action.CallStart],
		AddRoute[action.CallStarted],
		AddRoute[action.MotionDetected],
	} {
		if err := add(s); err != nil {
			return err
		}
	}
	return nil
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Protocol() *action.Protocol {
	return s.opts.Protocol
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address is the advertised address; only meaningful while Running.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Port is the bound port; only meaningful while Running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start binds and serves in the background. onBound is called exactly once, from the
// serving goroutine, with the advertised address and the real port. Calling Start
// while the server is not stopped does nothing.
func (s *Server) Start(onBound func(address string, port int)) error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		tool.DefaultLogger.Debugf("[RPC] start ignored, server is %s", state)
		return nil
	}
	s.state = StateStarting
	binding := make(chan struct{})
	s.binding = binding
	s.mu.Unlock()
	defer close(binding)

	bind := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.Port))
	ln, err := s.listen("tcp", bind)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.binding = nil
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", bind, err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	address := s.advertisedAddress(tcpAddr.IP)

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.httpServer = srv
	s.serveDone = done
	s.address = address
	s.port = tcpAddr.Port
	s.state = StateRunning
	s.binding = nil
	s.mu.Unlock()

	tool.DefaultLogger.Infof("Starting RPC server on %s (advertised as %s:%d)", ln.Addr(), address, tcpAddr.Port)

	go func() {
		defer close(done)
		if onBound != nil {
			onBound(address, tcpAddr.Port)
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tool.DefaultLogger.Errorf("[RPC] server stopped unexpectedly: %v", err)
			s.mu.Lock()
			if s.httpServer == srv {
				s.state = StateStopped
				s.httpServer = nil
				s.port = 0
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

func (s *Server) advertisedAddress(bound net.IP) string {
	if bound != nil && !bound.IsUnspecified() {
		return bound.String()
	}
	if s.opts.LocalAddress != nil {
		if addr := s.opts.LocalAddress.LocalAddress(); addr != "" {
			return addr
		}
	}
	return "127.0.0.1"
}

// Stop shuts the server down in the background: in-flight requests get the grace
// window, then remaining connections are closed. onStopped is called exactly once
// per call, also when the server was not running. A Stop that arrives while the
// server is binding waits for the outcome and then stops whatever Start produced.
func (s *Server) Stop(onStopped func()) {
	s.mu.Lock()
	if s.state == StateStarting && s.binding != nil {
		binding := s.binding
		s.mu.Unlock()
		go func() {
			<-binding
			s.Stop(onStopped)
		}()
		return
	}
	if s.state != StateRunning {
		s.mu.Unlock()
		if onStopped != nil {
			go onStopped()
		}
		return
	}
	s.state = StateStopping
	srv := s.httpServer
	done := s.serveDone
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopGrace)
		defer cancel()
		if s.opts.Hub != nil {
			// hijacked websocket connections are not tracked by Shutdown
			s.opts.Hub.CloseAll()
		}
		if err := srv.Shutdown(ctx); err != nil {
			tool.DefaultLogger.Warnf("[RPC] graceful shutdown incomplete, forcing close: %v", err)
			_ = srv.Close()
		}
		<-done

		s.mu.Lock()
		s.state = StateStopped
		s.httpServer = nil
		s.serveDone = nil
		s.port = 0
		s.mu.Unlock()

		tool.DefaultLogger.Infof("RPC server stopped")
		if onStopped != nil {
			onStopped()
		}
	}()
}

// Shutdown is Stop that blocks until the server has stopped or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	s.Stop(func() { close(stopped) })
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) info() types.DeviceInfo {
	if s.opts.Info != nil {
		info := s.opts.Info()
		info.Actions = s.opts.Protocol.Registered()
		return info
	}
	return types.DeviceInfo{
		Device:  types.NewPeerDevice(s.Address(), uint16(s.Port()), "", ""),
		Actions: s.opts.Protocol.Registered(),
	}
}

func (s *Server) pairURL() string {
	if s.State() != StateRunning {
		return ""
	}
	return s.info().Device.URL("info")
}

// NotifyHub returns the websocket hub as a notify.Hub, or nil.
func (s *Server) NotifyHub() notify.Hub {
	if s.opts.Hub == nil {
		return nil
	}
	return s.opts.Hub
}
