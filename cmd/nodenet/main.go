// Command nodenet runs a node transport server and offers client tools to
// query, join and list servers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lcx/nodenet/config"
	"github.com/lcx/nodenet/log"
	nodenet "github.com/lcx/nodenet/net"
)

var (
	configFlag string
	envFlag    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "nodenet",
		Short:         "Game node transport server and client tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "./configs", "Directory holding the YAML config files")
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "development", "Config environment subdirectory")

	serveCmd.Flags().IntVar(&tickRateFlag, "tick-rate", nodenet.DefaultTickRate, "Poll passes per second")
	serveCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", ":9100", "Prometheus listen address, empty to disable")
	serveCmd.Flags().BoolVar(&relayFlag, "relay", true, "Relay joined payload to every other joined node")

	joinCmd.Flags().StringVarP(&nameFlag, "name", "n", "player", "Name sent with Join")
	joinCmd.Flags().DurationVarP(&durationFlag, "duration", "d", 0, "Stay joined this long, 0 until interrupted")

	listCmd.Flags().StringVar(&instanceFlag, "instance", "default", "Directory plugin instance")

	rootCmd.AddCommand(serveCmd, queryCmd, joinCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupConfig points the shared config manager at the config flags and
// installs the configured logger. A missing logger.yaml keeps the default.
func setupConfig() config.ConfigManager {
	cm := config.GetInstance()
	cm.SetBasePath(configFlag)
	cm.SetEnvironment(envFlag)
	if err := log.Initialize(); err != nil {
		log.Info().Err(err).Msg("using default logger configuration")
	}
	return cm
}

// transportCfg loads node_transport.yaml, falling back to defaults.
func transportCfg(cm config.ConfigManager) *nodenet.NodeNetCfg {
	cfg := nodenet.DefaultNodeNetCfg()
	if err := cm.LoadConfig(nodenet.NodeNetCfgName, cfg); err != nil {
		log.Info().Err(err).Msg("using default node transport configuration")
		return nodenet.DefaultNodeNetCfg()
	}
	return cfg
}
