package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moyoez/doorbell-signal/nsd"
	"github.com/moyoez/doorbell-signal/tool"
	"github.com/moyoez/doorbell-signal/types"
)

var flags types.Config

var rootCmd = &cobra.Command{
	Use:   "doorbell",
	Short: "Doorbell intercom peer discovery and call signaling",
	Long: `doorbell announces this device over DNS-SD, keeps track of the doorbells and
clients on the LAN and exchanges call signaling actions with them over HTTP.

Use "doorbell [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		tool.InitLogger()
		tool.SetLogMode(flags.Log)
	},
}

func init() {
	tool.BindFlags(rootCmd.PersistentFlags(), &flags)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(typesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the command line overrides.
func loadConfig() (types.AppConfig, *types.ServiceTypes, error) {
	appCfg, err := tool.LoadConfig(flags.UseConfigPath)
	if err != nil {
		return appCfg, nil, err
	}
	tool.ApplyFlags(&appCfg, flags)
	if err := tool.ValidateConfig(&appCfg); err != nil {
		return appCfg, nil, fmt.Errorf("invalid config: %w", err)
	}
	serviceTypes, err := types.NewServiceTypes(appCfg.ExtraServiceTypes...)
	if err != nil {
		return appCfg, nil, fmt.Errorf("invalid extra service types: %w", err)
	}
	return appCfg, serviceTypes, nil
}

func newBackend(appCfg types.AppConfig) (*nsd.ZeroconfBackend, error) {
	ifaces, err := nsd.InterfacesByName(appCfg.NetworkInterface)
	if err != nil {
		return nil, fmt.Errorf("network interface %q: %w", appCfg.NetworkInterface, err)
	}
	return nsd.NewZeroconfBackend(appCfg.Domain, appCfg.ResolveTimeout, ifaces), nil
}
