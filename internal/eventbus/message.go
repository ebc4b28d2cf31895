// Package eventbus implements the pub/sub hub that pushes server events to
// connected UI clients over WebSocket. It generalizes the teacher's
// topic-based hub with a per-job replay buffer so a client reconnecting
// mid-backup can catch up on missed progress events instead of losing them.
//
// Topic naming convention:
//
//	job:<uuid>     — lifecycle and progress events for a specific backup job
//	server:<uuid>  — agent connection state transitions for a server
//	global         — events with no natural per-entity scope
package eventbus

// MessageType identifies the kind of event carried by a Message. Types
// beginning with "backup:" are the ones tracked in the per-job replay buffer.
type MessageType string

const (
	MsgBackupStarted   MessageType = "backup:started"
	MsgBackupProgress  MessageType = "backup:progress"
	MsgBackupCompleted MessageType = "backup:completed"
	MsgBackupFailed    MessageType = "backup:failed"
	MsgBackupCancelled MessageType = "backup:cancelled"

	MsgJobCreated MessageType = "job:created"
	MsgJobUpdated MessageType = "job:updated"
	MsgJobDeleted MessageType = "job:deleted"

	MsgServerCreated MessageType = "server:created"
	MsgServerUpdated MessageType = "server:updated"
	MsgServerDeleted MessageType = "server:deleted"

	MsgVersionCreated MessageType = "version:created"
	MsgVersionDeleted MessageType = "version:deleted"

	// MsgPing carries the periodic per-server liveness derivation broadcast
	// by internal/ping (spec §3 "per-server ping" event, §4 component 9).
	// Distinct from the WebSocket-protocol ping frames writePump sends to
	// keep the socket itself alive.
	MsgPing MessageType = "server:ping"

	// MsgReplayRequest is the one message type the controller accepts from
	// a UI client rather than sends to one.
	MsgReplayRequest MessageType = "replay:request"
)

var terminalBackupTypes = map[MessageType]bool{
	MsgBackupCompleted: true,
	MsgBackupFailed:    true,
	MsgBackupCancelled: true,
}

// Message is the envelope for every WebSocket frame exchanged with UI clients.
//
// JSON example:
//
//	{"type":"backup:progress","payload":{"job_id":"018f...","percent":42}}
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// replayRequestPayload is the payload shape of an inbound replay:request frame.
type replayRequestPayload struct {
	JobID string `json:"jobId"`
	Since int64  `json:"since"` // epoch milliseconds
}

// isReplayTracked reports whether msg's type is tracked in a job's replay
// buffer — every "backup:*" event per spec §4.2.
func isReplayTracked(t MessageType) bool {
	return len(t) > 7 && t[:7] == "backup:"
}

func isTerminalBackupType(t MessageType) bool {
	return terminalBackupTypes[t]
}
