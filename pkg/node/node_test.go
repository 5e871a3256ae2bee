package node

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/impulse/internal/telemetry"
	"github.com/ryandielhenn/impulse/pkg/peers"
)

type fakeSource struct {
	views  []peers.View
	status string
}

func (f fakeSource) ID() string { return "fd00::1" }

func (f fakeSource) Views() []peers.View { return f.views }

type statusSource struct{ fakeSource }

func (s statusSource) WriteStatus(w io.Writer) error {
	_, err := io.WriteString(w, s.status)
	return err
}

func newServer(t *testing.T, src peers.Source) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewNode(src, ":0", zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

var sample = fakeSource{views: []peers.View{
	{Key: "fd00::1", Name: "Alpha", Capability: 75, Self: true},
	{Key: "fd00::2", Name: "Beta", Capability: 60, Protocol: "ZENOH"},
}}

func TestHealthz(t *testing.T) {
	srv := newServer(t, sample)
	code, body := get(t, srv.URL+"/healthz")
	if code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
}

func TestInfoCountsPeersWithoutSelf(t *testing.T) {
	srv := newServer(t, sample)
	_, body := get(t, srv.URL+"/info")
	var info struct {
		ID    string `json:"id"`
		Peers int    `json:"peers"`
	}
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		t.Fatal(err)
	}
	if info.ID != "fd00::1" || info.Peers != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func TestPeers(t *testing.T) {
	srv := newServer(t, sample)
	_, body := get(t, srv.URL+"/peers")
	var views []peers.View
	if err := json.Unmarshal([]byte(body), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[1].Protocol != "ZENOH" {
		t.Fatalf("views = %+v", views)
	}

	code, body := get(t, srv.URL+"/peers/fd00::2")
	if code != http.StatusOK || !strings.Contains(body, `"name":"Beta"`) {
		t.Fatalf("peer = %d %s", code, body)
	}
	if code, _ := get(t, srv.URL+"/peers/fd00::9"); code != http.StatusNotFound {
		t.Fatalf("unknown peer = %d, want 404", code)
	}

	resp, err := http.Post(srv.URL+"/peers", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /peers = %d, want 405", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	plain := newServer(t, sample)
	if code, _ := get(t, plain.URL+"/status"); code != http.StatusNotFound {
		t.Fatalf("status without writer = %d, want 404", code)
	}

	src := statusSource{fakeSource{views: sample.views, status: "=== Current Network Status ===\n"}}
	srv := newServer(t, src)
	code, body := get(t, srv.URL+"/status")
	if code != http.StatusOK || !strings.Contains(body, "Current Network Status") {
		t.Fatalf("status = %d %q", code, body)
	}
}

func TestRequestsInstrumented(t *testing.T) {
	srv := newServer(t, sample)
	before := testutil.ToFloat64(telemetry.RequestsTotal.WithLabelValues("healthz", "2xx"))
	get(t, srv.URL+"/healthz")
	after := testutil.ToFloat64(telemetry.RequestsTotal.WithLabelValues("healthz", "2xx"))
	if after != before+1 {
		t.Fatalf("requests_total = %v, want %v", after, before+1)
	}

	_, body := get(t, srv.URL+"/metrics")
	if !strings.Contains(body, "impulse_requests_total") {
		t.Fatal("metrics endpoint missing request counter")
	}
}

func TestNormalizeHostPort(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"", ":9464"},
		{":8080", ":8080"},
		{"localhost", "localhost:9464"},
		{"http://example.com", "example.com:9464"},
		{"https://example.com:1", "example.com:1"},
		{"fd00::1", "[fd00::1]:9464"},
		{"[fd00::1]:80", "[fd00::1]:80"},
	} {
		if got := NormalizeHostPort(tc.in, DefaultPort); got != tc.want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
