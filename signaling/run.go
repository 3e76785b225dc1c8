package signaling

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/moyoez/doorbell-signal/api/defaults"
	"github.com/moyoez/doorbell-signal/notify"
	"github.com/moyoez/doorbell-signal/nsd"
	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

const (
	shutdownTimeout = 5 * time.Second
	// rediscoverDelay separates a failed discovery session from the next attempt.
	rediscoverDelay = 5 * time.Second
)

// Run starts the RPC server, announces this device once the server is bound, and keeps
// the peer registry fed from discovery until ctx is done. On the way out it withdraws
// the announcement, stops the server and waits for outstanding sends.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if !o.state.markRunning(true) {
		return ErrAlreadyRunning
	}
	defer o.state.markRunning(false)

	bound := make(chan struct{})
	if err := o.server.Start(func(address string, port int) {
		defaults.DefaultOnBound(address, port)
		o.notifier.Post(&types.Notification{
			Type:    types.NotifyTypeServerStarted,
			Title:   "Server Started",
			Message: o.QueryLocalDevice().String(),
		})
		close(bound)
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	events := make(chan nsd.DiscoveryEvent)

	g.Go(func() error {
		select {
		case <-bound:
		case <-gctx.Done():
			return nil
		}
		o.announce(gctx)
		return nil
	})
	g.Go(func() error {
		return o.discover(gctx, events)
	})
	g.Go(func() error {
		return o.registry.Run(gctx, events)
	})
	g.Go(func() error {
		o.forwardPeers(gctx)
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return multierr.Append(runErr, o.shutdown())
}

func (o *Orchestrator) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_, unregisterErr := nsd.Collect(o.discovery.UnregisterAll(ctx))
	if unregisterErr != nil {
		tool.DefaultLogger.Warnf("[Signaling] failed to withdraw service: %v", unregisterErr)
	}

	stopped := make(chan struct{})
	o.server.Stop(func() {
		defaults.DefaultOnStopped()
		close(stopped)
	})
	var stopErr error
	select {
	case <-stopped:
	case <-ctx.Done():
		stopErr = ctx.Err()
	}

	o.Wait()
	if err := o.notifier.SendSimpleNotification(types.NotifyTypeServerStopped, "Server Stopped", o.cfg.ServiceName); err != nil {
		tool.DefaultLogger.Debugf("[Signaling] stop notification failed: %v", err)
	}
	return multierr.Combine(unregisterErr, stopErr)
}

// announce registers the local service and follows the registration until ctx is
// done. The registration itself is withdrawn by shutdown, not by ctx.
func (o *Orchestrator) announce(ctx context.Context) {
	txt := []string{"name=" + o.cfg.DisplayName, "type=" + o.localType.UID}
	stream := o.discovery.Register(context.WithoutCancel(ctx), o.cfg.ServiceName,
		o.localType.ServiceTypeName(), o.server.Port(), "tcp", txt...)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					tool.DefaultLogger.Errorf("[Signaling] service announcement failed: %v", err)
				}
				return
			}
			switch e := ev.(type) {
			case nsd.Registered:
				name := e.AssignedName
				o.assignedName.Store(&name)
				o.notifier.Post(&types.Notification{
					Type:    types.NotifyTypeRegistered,
					Title:   "Service Registered",
					Message: name,
				})
			case nsd.Unregistered:
				tool.DefaultLogger.Infof("[Signaling] service %s withdrawn", e.ServiceName)
			}
		}
	}
}

// discover feeds events until ctx is done. A failed session is retried after
// rediscoverDelay; bad parameters are not, since they cannot recover.
func (o *Orchestrator) discover(ctx context.Context, events chan<- nsd.DiscoveryEvent) error {
	defer close(events)
	if len(o.discoverCfgs) == 0 {
		<-ctx.Done()
		return nil
	}
	for {
		stream := o.discovery.Discover(ctx, o.discoverCfgs)
		for ev := range stream.C {
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		err := stream.Err()
		var discoveryErr *nsd.DiscoveryError
		if errors.As(err, &discoveryErr) && discoveryErr.Code == nsd.CodeBadParameters {
			return err
		}
		tool.DefaultLogger.Warnf("[Signaling] discovery ended (%v), retrying in %s", err, rediscoverDelay)
		select {
		case <-time.After(rediscoverDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// forwardPeers pushes every registry change to local observers.
func (o *Orchestrator) forwardPeers(ctx context.Context) {
	updates, cancel := o.registry.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case peers, ok := <-updates:
			if !ok {
				return
			}
			o.notifier.Post(notify.PeersNotification(peers))
		}
	}
}
