package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/impulse/internal/config"
	"github.com/ryandielhenn/impulse/pkg/aris"
	"github.com/ryandielhenn/impulse/pkg/netif/lan"
)

func (c *command) initArisCmd() {
	cmd := &cobra.Command{
		Use:   "aris robot_name",
		Short: "Run an ARIS robot: listen, elect or join a protocol, then announce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.config.Set(config.OptName, args[0])
			c.config.SetDefault(config.OptGroup, aris.Group)
			c.config.SetDefault(config.OptPort, aris.Port)
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			iface, err := lan.New(lan.Config{
				Interface: cfg.Interface,
				Port:      cfg.Port,
				Group:     cfg.Group,
				Address:   cfg.Address,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			id := cfg.RobotID
			if id == 0 {
				id = rand.Uint32()
			}
			r := aris.New(aris.Config{
				Name:       cfg.Name,
				RobotID:    id,
				Capability: cfg.Capability,
				Logger:     logger,
			}, iface)
			if err := r.Start(); err != nil {
				return err
			}
			defer r.Stop()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cmd.Printf("%s (%s) listening on [%s]:%d\n", r.Name(), r.UUID(), iface.Address(), iface.Port())

			var g errgroup.Group
			startServices(ctx, &g, cfg, r, fmt.Sprintf("[%s]:%d", iface.Address(), iface.Port()), logger)
			g.Go(func() error {
				printStatus(ctx, cmd.OutOrStdout(), cfg.StatusInterval, r)
				return nil
			})
			err = g.Wait()
			logger.Info("shutting down", zap.String("robot", r.Name()), zap.String("state", r.State().String()))
			return err
		},
		PreRunE: c.bindFlags,
	}
	c.setAllFlags(cmd)
	c.root.AddCommand(cmd)
}
