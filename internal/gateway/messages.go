package gateway

import "encoding/json"

// Kind is the "type" field of an inbound signaling message.
type Kind string

// Inbound kinds. Every value has an entry in the dispatch table.
const (
	KindHello        Kind = "hello"
	KindOffer        Kind = "webrtc_offer"
	KindMicStart     Kind = "mic_start"
	KindMicStop      Kind = "mic_stop"
	KindToolApprove  Kind = "tool_approve"
	KindToolReject   Kind = "tool_reject"
	KindStopSpeaking Kind = "stop_speaking"
	KindPing         Kind = "ping"
)

// Kinds lists every inbound kind.
var Kinds = []Kind{
	KindHello, KindOffer, KindMicStart, KindMicStop,
	KindToolApprove, KindToolReject, KindStopSpeaking, KindPing,
}

// inbound is the union of all inbound message fields.
type inbound struct {
	Type      Kind   `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Outbound message types.
const (
	typeHelloAck      = "hello_ack"
	typeAnswer        = "webrtc_answer"
	typeTranscription = "transcription"
	typeAgentReply    = "agent_reply"
	typeToolPending   = "tool_pending"
	typePong          = "pong"
)

type typedMessage struct {
	Type string `json:"type"`
}

type answerMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolPendingMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Tools     json.RawMessage `json:"tools"`
}

// Spoken replies for failed agent turns.
const (
	replyAgentUnreachable = "Sorry, I couldn't reach the agent."
	replyToolFailed       = "Sorry, tool execution failed."
)
