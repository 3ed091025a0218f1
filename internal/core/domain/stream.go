package domain

type StreamID string
type ConnectionID string

// Role of a signaling connection. A connection starts unset, becomes a
// sender or receiver on the first start_* message, and returns to unset
// on stop_stream.
type Role string

const (
	RoleUnset    Role = ""
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// StreamIDFor derives the stream id for a sending connection. One stream
// per sender connection.
func StreamIDFor(id ConnectionID) StreamID {
	return StreamID("stream_" + string(id))
}

// SessionDescription is the SDP blob exchanged over the signaling channel.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}
