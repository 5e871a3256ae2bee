package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/impulse/pkg/peers"
)

// fakeEtcd keeps keys in a map and honours prefix ranges.
type fakeEtcd struct {
	mu      sync.Mutex
	data    map[string]string
	puts    int
	next    clientv3.LeaseID
	revoked []clientv3.LeaseID
	alive   map[clientv3.LeaseID]bool
	failPut error
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{data: make(map[string]string), alive: make(map[clientv3.LeaseID]bool)}
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &clientv3.LeaseGrantResponse{ID: f.next, TTL: ttl}, nil
}

func (f *fakeEtcd) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	f.alive[id] = true
	f.mu.Unlock()
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.alive[id] = false
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return nil, f.failPut
	}
	f.puts++
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) match(key string, opts []clientv3.OpOption) []string {
	end := string(clientv3.OpGet(key, opts...).RangeBytes())
	var keys []string
	for k := range f.data {
		if k == key || (end != "" && k >= key && k < end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeEtcd) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &clientv3.GetResponse{}
	for _, k := range f.match(key, opts) {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.data[k])})
	}
	resp.Count = int64(len(resp.Kvs))
	return resp, nil
}

func (f *fakeEtcd) Delete(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.match(key, opts)
	for _, k := range keys {
		delete(f.data, k)
	}
	return &clientv3.DeleteResponse{Deleted: int64(len(keys))}, nil
}

type staticSource struct {
	mu    sync.Mutex
	id    string
	views []peers.View
}

func (s *staticSource) ID() string { return s.id }

func (s *staticSource) Views() []peers.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]peers.View(nil), s.views...)
}

func (s *staticSource) set(v ...peers.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = v
}

func TestRegisterAndPublish(t *testing.T) {
	cli := newFakeEtcd()
	src := &staticSource{id: "fd00::1"}
	src.set(
		peers.View{Key: "fd00::1", Name: "Alpha", Capability: 75, Self: true},
		peers.View{Key: "fd00::2", Name: "Beta", Capability: 60},
	)
	d := New(cli, src, WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	if err := d.Publish(ctx); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Publish before Register = %v, want ErrNotRegistered", err)
	}
	if err := d.Register(ctx, "[fd00::1]:7447"); err != nil {
		t.Fatal(err)
	}
	if err := d.Publish(ctx); err != nil {
		t.Fatal(err)
	}

	nodes, err := d.Nodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if nodes["fd00::1"] != "[fd00::1]:7447" {
		t.Fatalf("nodes = %v", nodes)
	}
	got, err := d.Peers(ctx, "fd00::1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Name != "Beta" || got[1].Capability != 60 || !got[0].Self {
		t.Fatalf("peers = %+v", got)
	}
}

func TestRegisterTwiceKeepsOneLease(t *testing.T) {
	cli := newFakeEtcd()
	d := New(cli, &staticSource{id: "fd00::1"})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := d.Register(ctx, "a"); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	cli.mu.Lock()
	granted, alive := cli.next, len(cli.alive)
	cli.mu.Unlock()
	if granted != 1 || alive != 1 {
		t.Fatalf("granted %d leases with %d keep-alives, want 1 and 1", granted, alive)
	}

	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(ctx, "a"); err != nil {
		t.Fatalf("Register after Close: %v", err)
	}
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if cli.next != 2 {
		t.Fatalf("granted %d leases after re-register, want 2", cli.next)
	}
}

func TestPublishSkipsUnchangedAndRemovesDeparted(t *testing.T) {
	cli := newFakeEtcd()
	src := &staticSource{id: "fd00::1"}
	src.set(peers.View{Key: "fd00::1", Self: true}, peers.View{Key: "fd00::2", Timestamp: 1})
	d := New(cli, src)
	ctx := context.Background()
	if err := d.Register(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := d.Publish(ctx); err != nil {
		t.Fatal(err)
	}
	before := cli.puts

	if err := d.Publish(ctx); err != nil {
		t.Fatal(err)
	}
	if cli.puts != before {
		t.Fatalf("puts = %d after unchanged publish, want %d", cli.puts, before)
	}

	src.set(peers.View{Key: "fd00::1", Self: true})
	if err := d.Publish(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := d.Peers(ctx, "fd00::1")
	if len(got) != 1 || got[0].Key != "fd00::1" {
		t.Fatalf("peers = %+v, want only self", got)
	}
}

func TestPublishReportsPutErrors(t *testing.T) {
	cli := newFakeEtcd()
	src := &staticSource{id: "x"}
	d := New(cli, src)
	ctx := context.Background()
	if err := d.Register(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("etcd unavailable")
	cli.mu.Lock()
	cli.failPut = boom
	cli.mu.Unlock()
	src.set(peers.View{Key: "y"})

	if err := d.Publish(ctx); !errors.Is(err, boom) {
		t.Fatalf("Publish = %v, want %v", err, boom)
	}
}

func TestCloseWithdraws(t *testing.T) {
	cli := newFakeEtcd()
	src := &staticSource{id: "fd00::1"}
	src.set(peers.View{Key: "fd00::2"})
	d := New(cli, src)
	ctx := context.Background()
	if err := d.Register(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := d.Publish(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(ctx); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}

	got, _ := d.Peers(ctx, "fd00::1")
	if len(got) != 0 {
		t.Fatalf("peers after Close = %+v, want none", got)
	}
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if len(cli.revoked) != 1 || cli.revoked[0] != 1 {
		t.Fatalf("revoked = %v, want [1]", cli.revoked)
	}
}

func TestRunWithdrawsOnCancel(t *testing.T) {
	cli := newFakeEtcd()
	src := &staticSource{id: "r"}
	src.set(peers.View{Key: "p"})
	d := New(cli, src, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, "addr") }()

	for {
		cli.mu.Lock()
		_, ok := cli.data[PeersPrefix+"r/p"]
		cli.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if _, ok := cli.data[PeersPrefix+"r/p"]; ok {
		t.Fatal("peer row survived Run exit")
	}
}
