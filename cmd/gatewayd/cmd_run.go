package main

import (
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/gatewayd/internal/config"
	"github.com/kuuji/gatewayd/internal/deviceio"
	"github.com/kuuji/gatewayd/internal/resource"
	"github.com/kuuji/gatewayd/internal/routing"
	"github.com/kuuji/gatewayd/internal/session"
	"github.com/kuuji/gatewayd/internal/tunnel"
)

var runTUNName string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	Long: `Start gatewayd: create the LAN-facing TUN device, join the portal's
control channel, and answer client connection requests for as long as the
process runs.

Requires CAP_NET_ADMIN to create the TUN device.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTUNName, "tun", "", "name of the LAN-facing TUN device (default: gatewayd0)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfgPath, err := resolvedConfigPath()
	if err != nil {
		return fmt.Errorf("determining config path: %w", err)
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}
	if err := validateRunConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tunDev, err := tunnel.CreateTUN(runTUNName, 0)
	if err != nil {
		return fmt.Errorf("creating TUN device: %w", err)
	}
	defer tunDev.Close()

	if name, err := tunDev.Name(); err == nil {
		globalLogger.Info("TUN device created", "name", name)
	}

	if cfg.NAT.Enabled {
		nat := tunnel.NewNATManager(globalLogger)
		if err := nat.SetupMasquerade(cfg.NAT.ClientSubnet, cfg.NAT.OutboundInterface); err != nil {
			return fmt.Errorf("setting up NAT masquerade: %w", err)
		}
		defer func() {
			if err := nat.Cleanup(); err != nil {
				globalLogger.Warn("cleaning up NAT masquerade rule", "error", err)
			}
		}()
	}

	deviceSlot := new(deviceio.Slot)
	sink := deviceio.NewTUNSink(tunDev, globalLogger)
	deviceSlot.Set(sink)

	sess := session.New(session.Config{
		PortalURL:          cfg.Portal.URL,
		GatewayID:          cfg.Portal.GatewayID,
		Token:              cfg.Portal.Token,
		LocalPrivateKey:    cfg.Device.PrivateKey,
		DefaultSTUNServers: cfg.STUN.Servers,
		ForceRelay:         cfg.Device.ForceRelay,
		Table:              routing.NewTable(),
		Resolver:           resource.NewResolver(8),
		DeviceSlot:         deviceSlot,
		Logger:             globalLogger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		err := sink.ReadLoop(ctx, func(dst netip.Addr, pkt []byte) bool {
			orch := sess.Orchestrator()
			if orch == nil {
				return false
			}
			return orch.EgressToClient(dst, pkt)
		})
		if err != nil && ctx.Err() == nil {
			globalLogger.Error("device read loop stopped", "error", err)
		}
	}()

	globalLogger.Info("starting gatewayd", "config", cfgPath, "gateway_id", cfg.Portal.GatewayID)

	if err := sess.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("gatewayd stopped")
			return nil
		}
		return fmt.Errorf("session error: %w", err)
	}

	return nil
}

func validateRunConfig(cfg *config.Config) error {
	if cfg.Portal.URL == "" {
		return fmt.Errorf("portal.url is required")
	}
	if cfg.Portal.GatewayID == "" {
		return fmt.Errorf("portal.gateway_id is required")
	}
	if cfg.Device.PrivateKey.IsZero() {
		return fmt.Errorf("device.private_key is required")
	}
	if cfg.NAT.Enabled {
		if cfg.NAT.ClientSubnet == "" {
			return fmt.Errorf("nat.client_subnet is required when nat.enabled is set")
		}
		if cfg.NAT.OutboundInterface == "" {
			return fmt.Errorf("nat.outbound_interface is required when nat.enabled is set")
		}
	}
	return nil
}
