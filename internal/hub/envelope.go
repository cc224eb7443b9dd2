package hub

// Message type tags for the hub's wire protocol. Binary CRDT/awareness
// payloads are carried as Go []byte fields, which encoding/json marshals as
// base64 strings — the native Go idiom for binary inside a JSON envelope;
// the hub and the client provider in this module agree on this encoding.
const (
	typeJoinDocument     = "join-document"
	typeRejoinDocument   = "rejoin-document"
	typeLeaveDocument    = "leave-document"
	typeYjsUpdate        = "yjs-update"
	typeYjsAwareness     = "yjs-awareness"
	typeYjsSync          = "yjs-sync"
	typeUserJoined       = "user-joined"
	typeUserLeft         = "user-left"
	typePermissionDenied = "permission-denied"
	typeAck              = "ack"
)

// userInfo is the identity tuple broadcast in presence and ack messages.
type userInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// envelope is the single wire message shape. Only the fields relevant to
// Type are populated; the rest are omitted from the encoded JSON.
type envelope struct {
	Type        string     `json:"type"`
	DocumentID  string     `json:"documentId,omitempty"`
	StateVector []byte     `json:"stateVector,omitempty"`
	Update      []byte     `json:"update,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Email       string     `json:"email,omitempty"`
	Success     bool       `json:"success,omitempty"`
	Users       []userInfo `json:"users,omitempty"`
	Error       string     `json:"error,omitempty"`
	Message     string     `json:"message,omitempty"`
}
