package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/impulse/internal/config"
	"github.com/ryandielhenn/impulse/pkg/agent"
	"github.com/ryandielhenn/impulse/pkg/message"
	"github.com/ryandielhenn/impulse/pkg/netif/lan"
	"github.com/ryandielhenn/impulse/pkg/netif/lora"
)

func (c *command) initAgentCmd() {
	cmd := &cobra.Command{
		Use:   "agent robot_name [serial_port]",
		Short: "Run a discovery agent on the LAN, with an optional LoRa radio",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.config.Set(config.OptName, args[0])
			if len(args) > 1 {
				c.config.Set(config.OptSerial, args[1])
			}
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			addr := cfg.Address
			if addr == "" {
				addr = lan.RandomAddress()
			}
			primary, err := lan.New(lan.Config{
				Interface: cfg.Interface,
				Port:      cfg.Port,
				Group:     cfg.Group,
				Address:   addr,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			opts := []agent.Option{
				agent.WithLogger(logger),
				agent.WithCapability(cfg.Capability),
				agent.WithInterval(cfg.Interval),
			}
			if cfg.Serial != "" {
				radio, err := lora.New(lora.Config{Device: cfg.Serial, Address: addr, Logger: logger})
				if err != nil {
					return fmt.Errorf("radio: %w", err)
				}
				opts = append(opts, agent.WithSecondary(radio))
			}

			a := agent.New(cfg.Name, primary, opts...)
			if err := a.Start(); err != nil {
				return err
			}
			defer a.Stop()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a.UpdatePosition(message.Position{})
			cmd.Printf("%s running at [%s]:%d on %s, capability %d\n", a.Name(), a.ID(), primary.Port(), primary.Name(), a.Capability())

			var g errgroup.Group
			startServices(ctx, &g, cfg, a, fmt.Sprintf("[%s]:%d", a.ID(), primary.Port()), logger)
			g.Go(func() error {
				printStatus(ctx, cmd.OutOrStdout(), cfg.StatusInterval, a)
				return nil
			})
			err = g.Wait()
			logger.Info("shutting down", zap.String("agent", a.Name()))
			return err
		},
		PreRunE: c.bindFlags,
	}
	c.setAllFlags(cmd)
	c.root.AddCommand(cmd)
}
