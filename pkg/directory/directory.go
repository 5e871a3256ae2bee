// Package directory mirrors a participant's peer view into etcd. Each
// process registers under /impulse/nodes/<id> with a lease and republishes
// its table under /impulse/peers/<id>/<peer>. The mirror is an export for
// operators and dashboards; nothing reads it back into the protocol.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/impulse/internal/logging"
	"github.com/ryandielhenn/impulse/pkg/peers"
)

const (
	NodesPrefix = "/impulse/nodes/"
	PeersPrefix = "/impulse/peers/"

	DefaultTTL      = 10 // seconds
	DefaultInterval = 2 * time.Second
)

var ErrNotRegistered = errors.New("directory: not registered")

// Client is the part of *clientv3.Client the directory uses.
type Client interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)

	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

var _ Client = (*clientv3.Client)(nil)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

type Option func(*Directory)

func WithTTL(seconds int64) Option { return func(d *Directory) { d.ttl = seconds } }

func WithInterval(iv time.Duration) Option { return func(d *Directory) { d.interval = iv } }

func WithLogger(l *zap.Logger) Option { return func(d *Directory) { d.logger = l } }

type Directory struct {
	cli      Client
	src      peers.Source
	ttl      int64
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	lease     clientv3.LeaseID
	stopAlive context.CancelFunc
	published map[string]string
}

func New(cli Client, src peers.Source, opts ...Option) *Directory {
	d := &Directory{
		cli:       cli,
		src:       src,
		ttl:       DefaultTTL,
		interval:  DefaultInterval,
		published: make(map[string]string),
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = logging.OrNop(d.logger).Named("directory").With(zap.String("id", src.ID()))
	return d
}

func nodeKey(id string) string { return NodesPrefix + id }

func peerPrefix(id string) string { return PeersPrefix + id + "/" }

// Register grants a lease, writes the node key with addr as its value and
// keeps the lease alive until Close. Registering again while a lease is held
// is a no-op.
func (d *Directory) Register(ctx context.Context, addr string) error {
	d.mu.Lock()
	held := d.lease != 0
	d.mu.Unlock()
	if held {
		return nil
	}

	lease, err := d.cli.Grant(ctx, d.ttl)
	if err != nil {
		return fmt.Errorf("directory: grant lease: %w", err)
	}
	key := nodeKey(d.src.ID())
	if _, err := d.cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("directory: put %s: %w", key, err)
	}

	aliveCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.cli.KeepAlive(aliveCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("directory: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	d.mu.Lock()
	if d.lease != 0 {
		d.mu.Unlock()
		cancel()
		_, _ = d.cli.Revoke(ctx, lease.ID)
		return nil
	}
	d.lease, d.stopAlive = lease.ID, cancel
	d.mu.Unlock()
	d.logger.Info("registered", zap.String("key", key), zap.Int64("lease", int64(lease.ID)))
	return nil
}

// Publish writes changed rows of the current view and removes rows for
// peers no longer in it.
func (d *Directory) Publish(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lease == 0 {
		return ErrNotRegistered
	}

	prefix := peerPrefix(d.src.ID())
	seen := make(map[string]bool)
	var errs []error
	for _, v := range d.src.Views() {
		key := prefix + v.Key
		seen[key] = true
		raw, err := json.Marshal(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.published[key] == string(raw) {
			continue
		}
		if _, err := d.cli.Put(ctx, key, string(raw), clientv3.WithLease(d.lease)); err != nil {
			errs = append(errs, fmt.Errorf("directory: put %s: %w", key, err))
			continue
		}
		d.published[key] = string(raw)
	}
	for key := range d.published {
		if seen[key] {
			continue
		}
		if _, err := d.cli.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("directory: delete %s: %w", key, err))
			continue
		}
		delete(d.published, key)
	}
	return errors.Join(errs...)
}

// Run registers, then publishes every interval until ctx is done, and
// withdraws the mirror on the way out.
func (d *Directory) Run(ctx context.Context, addr string) error {
	if err := d.Register(ctx, addr); err != nil {
		return err
	}
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		if err := d.Publish(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("publish failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return d.Close(closeCtx)
		case <-t.C:
		}
	}
}

// Close deletes the published rows and revokes the lease.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	lease, stop := d.lease, d.stopAlive
	d.lease, d.stopAlive = 0, nil
	d.published = make(map[string]string)
	d.mu.Unlock()
	if lease == 0 {
		return nil
	}
	stop()

	_, delErr := d.cli.Delete(ctx, peerPrefix(d.src.ID()), clientv3.WithPrefix())
	_, revErr := d.cli.Revoke(ctx, lease)
	if err := errors.Join(delErr, revErr); err != nil {
		return fmt.Errorf("directory: close: %w", err)
	}
	d.logger.Info("withdrawn")
	return nil
}

// Nodes lists registered participants and the address each registered with.
func (d *Directory) Nodes(ctx context.Context) (map[string]string, error) {
	resp, err := d.cli.Get(ctx, NodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("directory: list nodes: %w", err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), NodesPrefix)] = string(kv.Value)
	}
	return out, nil
}

// Peers reads back the view that participant id last published.
func (d *Directory) Peers(ctx context.Context, id string) ([]peers.View, error) {
	resp, err := d.cli.Get(ctx, peerPrefix(id), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("directory: read peers of %s: %w", id, err)
	}
	return decodeViews(resp.Kvs)
}

func decodeViews(kvs []*mvccpb.KeyValue) ([]peers.View, error) {
	out := make([]peers.View, 0, len(kvs))
	for _, kv := range kvs {
		var v peers.View
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, fmt.Errorf("directory: decode %s: %w", kv.Key, err)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
