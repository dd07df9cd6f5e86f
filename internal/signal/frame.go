package signal

// Frame ops exchanged between Client and the relay.
const (
	OpSubscribe   = "sub"
	OpUnsubscribe = "unsub"
	OpPublish     = "pub"
	OpMessage     = "msg"
	OpError       = "error"
)

// Frame is the generic WebSocket message. Sub ties msg frames to the
// subscription that requested them; Payload is base64 on the wire.
type Frame struct {
	Op      string `json:"op"`
	Sub     uint64 `json:"sub,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}
