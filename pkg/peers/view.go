package peers

// View is the display form of one peer-table row, shared by the status
// printer, the HTTP surface and the etcd mirror.
type View struct {
	Key        string `json:"key"`
	Name       string `json:"name,omitempty"`
	Capability int32  `json:"capability"`
	Protocol   string `json:"protocol,omitempty"`
	JoinTime   uint64 `json:"join_time,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
	Self       bool   `json:"self,omitempty"`
}

// Source is anything that can describe its current peer view.
type Source interface {
	// ID is the local participant's own key.
	ID() string
	Views() []View
}
