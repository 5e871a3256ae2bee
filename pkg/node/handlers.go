package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Healthz returns 200 OK to indicate the participant is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time, own key and peer count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID    int       `json:"pid"`
		Now    time.Time `json:"now"`
		ID     string    `json:"id"`
		Peers  int       `json:"peers"`
		Uptime string    `json:"uptime"`
	}
	count := 0
	for _, v := range n.src.Views() {
		if !v.Self {
			count++
		}
	}
	writeJSON(w, resp{
		PID:    os.Getpid(),
		Now:    time.Now(),
		ID:     n.src.ID(),
		Peers:  count,
		Uptime: time.Since(n.started).Truncate(time.Second).String(),
	})
}

// Peers lists the whole peer view, self included.
func (n *Node) Peers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, n.src.Views())
}

// Peer returns one row of the view by key.
func (n *Node) Peer(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/peers/"):]
	for _, v := range n.src.Views() {
		if v.Key == key {
			writeJSON(w, v)
			return
		}
	}
	http.NotFound(w, req)
}

// Status renders the text status when the source provides one.
func (n *Node) Status(w http.ResponseWriter, req *http.Request) {
	sw, ok := n.src.(StatusWriter)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := sw.WriteStatus(w); err != nil {
		n.logger.Debug("status write failed", zap.Error(err))
	}
}
