package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ryandielhenn/impulse/internal/config"
	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/internal/telemetry"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

type command struct {
	root   *cobra.Command
	config *viper.Viper
}

func newCommand() *command {
	c := &command{
		root: &cobra.Command{
			Use:           "impulse",
			Short:         "IPv6 multicast peer discovery and gossip",
			SilenceErrors: true,
			SilenceUsage:  true,
		},
		config: config.NewViper(),
	}
	c.initAgentCmd()
	c.initArisCmd()
	c.initSwarmCmd()
	c.initVersionCmd()
	return c
}

func Execute() error {
	return newCommand().root.Execute()
}

func (c *command) setAllFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint32(config.OptRobotID, 0, "robot id carried in the ARIS uuid (random when 0)")
	f.Int32(config.OptCapability, 75, "capability index 0..100")
	f.String(config.OptInterface, "eno2", "network interface; falls back to lo")
	f.Uint16(config.OptPort, 7447, "UDP port")
	f.String(config.OptGroup, "ff02::1", "IPv6 multicast group")
	f.String(config.OptAddress, "", "own IPv6 address (generated fd00:dead:beef::/64 when empty)")
	f.Duration(config.OptInterval, time.Second, "continuous broadcast interval")
	f.Duration(config.OptStatusInterval, 5*time.Second, "status print interval")
	f.String(config.OptMetricsAddr, "", "serve /healthz, /peers and /metrics on this address")
	f.StringSlice(config.OptEtcd, nil, "etcd endpoints to mirror the peer view into")
	f.String(config.OptLogLevel, "info", "log level: debug, info, warn, error")
	f.Bool(config.OptDevelopment, false, "human-readable console logs")
}

func (c *command) bindFlags(cmd *cobra.Command, _ []string) error {
	return c.config.BindPFlags(cmd.Flags())
}

// load resolves the configuration and builds the process logger.
func (c *command) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.config)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return cfg, nil, fmt.Errorf("new logger: %w", err)
	}
	telemetry.SetBuildInfo(version, gitSHA)
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

type statusWriter interface {
	WriteStatus(w io.Writer) error
}

// printStatus writes every source's status each interval until ctx ends.
func printStatus(ctx context.Context, w io.Writer, every time.Duration, srcs ...statusWriter) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range srcs {
				if err := s.WriteStatus(w); err != nil {
					return
				}
			}
		}
	}
}
