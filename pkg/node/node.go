// Package node is the HTTP status surface of a running participant: health,
// process info, the peer view as JSON, the text status and Prometheus
// metrics.
package node

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/internal/telemetry"
	"github.com/ryandielhenn/impulse/pkg/peers"
)

const DefaultPort = "9464"

// StatusWriter is implemented by sources that can render a text status.
type StatusWriter interface {
	WriteStatus(w io.Writer) error
}

type Node struct {
	src     peers.Source
	addr    string
	started time.Time
	logger  *zap.Logger
}

func NewNode(src peers.Source, addr string, logger *zap.Logger) *Node {
	return &Node{
		src:     src,
		addr:    NormalizeHostPort(addr, DefaultPort),
		started: time.Now(),
		logger:  logging.OrNop(logger).Named("node"),
	}
}

func (n *Node) Addr() string {
	return n.addr
}

// Handler routes every endpoint through the request metrics.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/peers", telemetry.Instrument("peers", http.HandlerFunc(n.Peers)))
	mux.Handle("/peers/", telemetry.Instrument("peer", http.HandlerFunc(n.Peer)))
	mux.Handle("/status", telemetry.Instrument("status", http.HandlerFunc(n.Status)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (n *Node) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              n.addr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	n.logger.Info("status server listening", zap.String("addr", n.addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
