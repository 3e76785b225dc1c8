package tool

import (
	"github.com/spf13/pflag"

	"github.com/moyoez/doorbell-signal/types"
)

// BindFlags registers the runtime override flags on fs.
func BindFlags(fs *pflag.FlagSet, cfg *types.Config) {
	fs.StringVar(&cfg.Log, "log", "", "log mode: dev|prod|none")
	fs.StringVar(&cfg.UseConfigPath, "config", "", "override config file path")
	fs.StringVar(&cfg.UseServiceName, "service-name", "", "DNS-SD instance name announced for this device")
	fs.StringVar(&cfg.UseServiceType, "service-type", "", "service type uid of this device (e.g. db-assistant, db-client)")
	fs.IntVar(&cfg.UsePort, "port", 0, "RPC server port, 0 picks an ephemeral port")
	fs.StringVar(&cfg.UseInterface, "interface", "", "network interface used for the local address (e.g. 'wlan0')")
	fs.StringVar(&cfg.UseBindAddress, "bind", "", "RPC server bind address")
	fs.DurationVar(&cfg.UseSendTimeout, "send-timeout", 0, "timeout for a single action delivery")
	fs.StringSliceVar(&cfg.UseDiscoverTypes, "discover", nil, "service type uids to discover")
}
