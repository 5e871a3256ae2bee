package main

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/impulse/internal/config"
	"github.com/ryandielhenn/impulse/pkg/directory"
	"github.com/ryandielhenn/impulse/pkg/node"
	"github.com/ryandielhenn/impulse/pkg/peers"
)

// startServices launches the optional status server and etcd mirror for
// src on g. Both are best effort: failures are logged, never fatal.
func startServices(ctx context.Context, g *errgroup.Group, cfg config.Config, src peers.Source, addr string, logger *zap.Logger) {
	if cfg.MetricsAddr != "" {
		n := node.NewNode(src, cfg.MetricsAddr, logger)
		g.Go(func() error {
			if err := n.ListenAndServe(ctx); err != nil {
				logger.Warn("status server stopped", zap.String("addr", n.Addr()), zap.Error(err))
			}
			return nil
		})
	}
	if len(cfg.Etcd) == 0 {
		return
	}
	cli, err := directory.NewClient(cfg.Etcd)
	if err != nil {
		logger.Warn("etcd unavailable", zap.Strings("endpoints", cfg.Etcd), zap.Error(err))
		return
	}
	d := directory.New(cli, src, directory.WithLogger(logger), directory.WithInterval(cfg.StatusInterval))
	g.Go(func() error {
		defer cli.Close()
		if err := d.Run(ctx, addr); err != nil {
			logger.Warn("directory stopped", zap.Error(err))
		}
		return nil
	})
}
