package convo

import "encoding/json"

// Snapshot is the durable form of a conversation: everything needed to
// reconstruct a live session after a process restart, minus the runtime
// pieces (lock state, adapter binding) that are rebuilt on rehydration.
type Snapshot struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Config      Config    `json:"config"`
	Messages    []Message `json:"messages"`
	LatestUser  string    `json:"latest_user,omitempty"`
	LatestModel string    `json:"latest_model,omitempty"`
}

// EncodeSnapshot serializes a snapshot for the cold storage tier.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a snapshot previously written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(data, &s)
	return s, err
}
