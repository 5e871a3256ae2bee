package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/impulse/internal/config"
	"github.com/ryandielhenn/impulse/pkg/agent"
	"github.com/ryandielhenn/impulse/pkg/aris"
	"github.com/ryandielhenn/impulse/pkg/netif/lan"
	"github.com/ryandielhenn/impulse/pkg/netif/mem"
	"github.com/ryandielhenn/impulse/pkg/peers"
)

const optDuration = "duration"

// swarmCapabilities spreads the simulated participants over every policy tier.
var swarmCapabilities = []int32{95, 75, 62, 51, 30, 20}

type participant interface {
	statusWriter
	Start() error
	Stop()
	Name() string
	Views() []peers.View
}

func (c *command) initSwarmCmd() {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Simulate a swarm of agents or ARIS robots in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.config.SetDefault(config.OptName, "robot")
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			n := c.config.GetInt(config.OptCount)
			mode := c.config.GetString(config.OptMode)
			if n < 1 {
				return fmt.Errorf("count %d: need at least one participant", n)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if d := c.config.GetDuration(optDuration); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			hub := mem.NewHub()
			swarm, err := buildSwarm(mode, n, cfg, hub, logger)
			if err != nil {
				return err
			}

			start := time.Now()
			var g errgroup.Group
			g.SetLimit(8)
			for _, p := range swarm {
				g.Go(p.Start)
			}
			if err := g.Wait(); err != nil {
				stopAll(swarm)
				return err
			}
			defer stopAll(swarm)

			writers := make([]statusWriter, len(swarm))
			for i, p := range swarm {
				writers[i] = p
			}
			printStatus(ctx, cmd.OutOrStdout(), cfg.StatusInterval, writers...)

			summarize(cmd.OutOrStdout(), swarm, time.Since(start))
			return nil
		},
		PreRunE: c.bindFlags,
	}
	c.setAllFlags(cmd)
	cmd.Flags().Int(config.OptCount, 3, "participants to simulate")
	cmd.Flags().String(config.OptMode, "agent", "participant kind: agent or aris")
	cmd.Flags().Duration(optDuration, 0, "stop after this long (0 runs until interrupted)")
	c.root.AddCommand(cmd)
}

func buildSwarm(mode string, n int, cfg config.Config, hub *mem.Hub, logger *zap.Logger) ([]participant, error) {
	out := make([]participant, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s-%d", cfg.Name, i+1)
		addr := lan.GenerateAddress(uint16(i + 1))
		capability := swarmCapabilities[i%len(swarmCapabilities)]
		switch mode {
		case "agent":
			a := agent.New(name, hub.Endpoint(addr, cfg.Port),
				agent.WithLogger(logger),
				agent.WithCapability(capability),
				agent.WithInterval(cfg.Interval))
			out = append(out, a)
		case "aris":
			r := aris.New(aris.Config{
				Name:       name,
				RobotID:    uint32(i + 1),
				Capability: capability,
				Logger:     logger,
			}, hub.Endpoint(addr, aris.Port))
			out = append(out, r)
		default:
			return nil, fmt.Errorf("mode %q: want agent or aris", mode)
		}
	}
	return out, nil
}

func stopAll(swarm []participant) {
	for _, p := range swarm {
		p.Stop()
	}
}

func summarize(w io.Writer, swarm []participant, elapsed time.Duration) {
	total := 0
	for _, p := range swarm {
		known := 0
		for _, v := range p.Views() {
			if !v.Self {
				known++
			}
		}
		total += known
		fmt.Fprintf(w, "%s knows %d of %d\n", p.Name(), known, len(swarm)-1)
	}
	fmt.Fprintf(w, "Discovered %d peer links across %d participants in %s\n", total, len(swarm), elapsed.Truncate(time.Millisecond))
}
