package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/moyoez/doorbell-signal/action"
	"github.com/moyoez/doorbell-signal/boardcast"
	"github.com/moyoez/doorbell-signal/metrics"
	"github.com/moyoez/doorbell-signal/nsd"
	"github.com/moyoez/doorbell-signal/share"
	"github.com/moyoez/doorbell-signal/signaling"
	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/transfer"
	"github.com/moyoez/doorbell-signal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Announce this device and serve signaling until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, serviceTypes, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := newBackend(appCfg)
		if err != nil {
			return err
		}

		o, err := signaling.New(signaling.Options{
			Config:       appCfg,
			ServiceTypes: serviceTypes,
			Backend:      backend,
			Metrics:      metrics.New(),
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tool.DefaultLogger.Infof("Starting %s (%s) as %s", appCfg.DisplayName, appCfg.ServiceName, o.LocalServiceType().Label)
		err = o.Run(ctx)
		o.Close()
		return err
	},
}

var (
	peersDuration  time.Duration
	peersProbe     bool
	peersSweepPort int
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Discover peers for a while and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, serviceTypes, err := loadConfig()
		if err != nil {
			return err
		}
		backend, err := newBackend(appCfg)
		if err != nil {
			return err
		}

		var configs []nsd.DiscoveryConfig
		for _, uid := range appCfg.DiscoverTypes {
			t, ok := serviceTypes.ByUID(uid)
			if !ok {
				return fmt.Errorf("unknown service type %q", uid)
			}
			configs = append(configs, nsd.DiscoveryConfig{ServiceTypeName: t.ServiceTypeName(), Protocol: "tcp"})
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), peersDuration)
		defer cancel()

		if peersSweepPort > 0 {
			return sweepPeers(ctx, appCfg)
		}

		discovery := nsd.NewDiscovery(backend)
		registry := share.NewRegistry(discovery, serviceTypes)
		stream := discovery.Discover(ctx, configs)
		if err := registry.Run(ctx, stream.C); err != nil {
			return err
		}
		if err := stream.Err(); err != nil {
			return err
		}

		peers := registry.Snapshot()
		if len(peers) == 0 {
			fmt.Println("No peers found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		header := "NAME\tTYPE\tADDRESS"
		if peersProbe {
			header += "\tPING"
		}
		fmt.Fprintln(w, header)
		for _, p := range peers {
			line := fmt.Sprintf("%s\t%s\t%s", p.ServiceName, p.ServiceTypeID, p.HostPort())
			if peersProbe {
				line += "\t" + strconv.FormatBool(tool.QuickICMPProbe(p.Address, time.Second))
			}
			fmt.Fprintln(w, line)
		}
		return w.Flush()
	},
}

// sweepPeers finds peers without DNS-SD by asking every host on the LAN for /info.
func sweepPeers(ctx context.Context, appCfg types.AppConfig) error {
	found, err := boardcast.Sweep(ctx, boardcast.SweepOptions{
		Port:      peersSweepPort,
		Interface: appCfg.NetworkInterface,
		ICMPProbe: peersProbe,
		Timeout:   appCfg.SendTimeout,
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No peers found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDISPLAY NAME\tTYPE\tADDRESS")
	for _, info := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Device.ServiceName, info.DisplayName, info.Device.ServiceTypeID, info.Device.HostPort())
	}
	return w.Flush()
}

var sendCmd = &cobra.Command{
	Use:   "send <address:port> <action> [json-payload]",
	Short: "Deliver one signaling action to a peer",
	Example: `  doorbell send 192.168.1.10:8888 CallDismiss
  doorbell send 192.168.1.10:8888 SDPOffer '{"sdp":"v=0"}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		host, portStr, err := net.SplitHostPort(args[0])
		if err != nil {
			return fmt.Errorf("invalid peer address %q: %w", args[0], err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid peer port %q: %w", portStr, err)
		}

		protocol := action.NewProtocol()
		if err := action.RegisterDefaults(protocol); err != nil {
			return err
		}
		payload := "{}"
		if len(args) == 3 {
			payload = args[2]
		}
		a, err := buildAction(protocol, args[1], payload)
		if err != nil {
			return err
		}

		device := types.NewPeerDevice(host, uint16(port), "", "")
		client := transfer.NewClient(protocol, appCfg.SendTimeout, nil)
		ctx, cancel := context.WithTimeout(cmd.Context(), appCfg.SendTimeout)
		defer cancel()
		if err := client.Deliver(ctx, device, a); err != nil {
			return err
		}
		fmt.Printf("%s delivered to %s\n", a.ActionType(), device.HostPort())
		return nil
	},
}

// buildAction decodes a JSON object into the action named tag.
func buildAction(protocol *action.Protocol, tag, payload string) (action.Action, error) {
	var fields map[string]any
	if err := sonic.UnmarshalString(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = tag
	data, err := sonic.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data, tag)
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the known service types",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, serviceTypes, err := loadConfig()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "UID\tDNS-SD TYPE\tLABEL\tAUTO ANSWER\tMIC MUTED\tSPEAKER ON")
		for _, t := range serviceTypes.All() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%t\n",
				t.UID, t.ServiceTypeName(), t.Label, t.AutoAnswerCall, t.MicMutedAtStart, t.SpeakerOnAtStart)
		}
		return w.Flush()
	},
}

func init() {
	peersCmd.Flags().DurationVar(&peersDuration, "duration", 5*time.Second, "how long to browse")
	peersCmd.Flags().BoolVar(&peersProbe, "probe", false, "ping every peer found")
	peersCmd.Flags().IntVar(&peersSweepPort, "sweep-port", 0, "skip DNS-SD and sweep the LAN for peers serving on this port")
}
