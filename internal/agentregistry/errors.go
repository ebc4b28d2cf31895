package agentregistry

import "errors"

// ErrNotConnected is returned by Request when no agent is currently
// registered for the given server id, or when the request frame cannot be
// queued on its connection. Send reports the same conditions by returning
// false.
var ErrNotConnected = errors.New("agent not connected")

// ErrTimeout is returned by Request when no matching response arrives
// within the request timeout.
var ErrTimeout = errors.New("agent request timed out")

// ErrConnectionClosed is returned to a pending Request when the underlying
// socket closes before a response arrives.
var ErrConnectionClosed = errors.New("agent connection closed")

var errEmptyPayload = errors.New("agentregistry: empty message payload")
