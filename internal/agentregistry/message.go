// Package agentregistry accepts inbound agent WebSocket connections at a
// path distinct from the UI broadcaster (internal/eventbus), handles the
// registration handshake, and provides request/response correlation for
// synchronous agent RPCs (e.g. fs:browse) on top of the same fire-and-forget
// send primitive used for fire-and-forget dispatch (backup:start, agent:update).
//
// Generalized from the teacher's websocket.Hub/Client pair (server/internal/
// websocket) and agentmanager.Manager's connection-registry pattern, with the
// addition of a PendingRequests map for request/response correlation — the
// teacher's gRPC transport gets this for free from bidirectional streaming,
// but the spec's plain WebSocket protocol needs it built explicitly.
package agentregistry

import "encoding/json"

// MessageType identifies the kind of frame exchanged on the agent socket.
type MessageType string

const (
	// Inbound (agent -> controller).
	MsgAgentRegister   MessageType = "agent:register"
	MsgBackupProgress  MessageType = "backup:progress"
	MsgBackupStarted   MessageType = "backup:started"
	MsgBackupCompleted MessageType = "backup:completed"
	MsgBackupFailed    MessageType = "backup:failed"
	MsgAgentStatus     MessageType = "agent:status"

	// Outbound (controller -> agent).
	MsgAgentRegisterOK    MessageType = "agent:register:ok"
	MsgAgentRegisterError MessageType = "agent:register:error"
	MsgBackupStart        MessageType = "backup:start"
	MsgBackupCancel       MessageType = "backup:cancel"
	MsgFSBrowse           MessageType = "fs:browse"
	MsgAgentUpdate        MessageType = "agent:update"
)

// Envelope is the wire frame exchanged with agents. Payload is decoded lazily
// by handlers via Envelope.decode so each handler only pays for the fields it
// needs.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// RegisterPayload is the payload of the first frame an agent must send.
type RegisterPayload struct {
	ServerID string `json:"server_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// BackupStartPayload is the payload of an outbound backup:start frame.
type BackupStartPayload struct {
	JobID    string   `json:"job_id"`
	Paths    []string `json:"paths"`
	LinkDest string   `json:"link_dest,omitempty"`
	Full     bool     `json:"full"`
}

// BackupCancelPayload is the payload of an outbound backup:cancel frame.
type BackupCancelPayload struct {
	JobID string `json:"job_id"`
}

// FSBrowsePayload is the payload of an outbound fs:browse RPC request.
type FSBrowsePayload struct {
	Path string `json:"path"`
}

// FSBrowseEntry is one directory entry in an FSBrowseResult.
type FSBrowseEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// FSBrowseResult is the reply payload of an fs:browse RPC, returned by the
// agent for both path-validation (job creation) and interactive browsing
// (GET /api/servers/:id/explore) call sites.
type FSBrowseResult struct {
	Path    string          `json:"path"`
	Exists  bool            `json:"exists"`
	IsDir   bool            `json:"is_dir"`
	Entries []FSBrowseEntry `json:"entries,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// decode unmarshals e.Payload into v, returning an error if the payload is
// missing or malformed.
func (e Envelope) decode(v any) error {
	if len(e.Payload) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(e.Payload, v)
}
