// Command gatewayd runs one zero-trust overlay network gateway: it joins
// the portal's control channel, brings up per-client WireGuard tunnels
// over WebRTC data channels, and routes resolved traffic to and from the
// gateway's local network.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewayd/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "Zero-trust overlay network gateway",
	Long: `gatewayd joins a portal's control channel, answers client
connection requests with WireGuard-over-WebRTC tunnels, and routes
resolved traffic between clients and this gateway's local network.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/gatewayd/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gatewayd version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolvedConfigPath returns the effective config path: the --config flag
// if set, otherwise the platform default.
func resolvedConfigPath() (string, error) {
	if globalConfigPath != "" {
		return globalConfigPath, nil
	}
	return config.DefaultConfigPath()
}
