package models

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// EventName is the name of a signaling event carried in an Envelope
type EventName string

const (
	// Inbound (client -> server)
	EventCallStart  EventName = "call-start"
	EventCallEnd    EventName = "call-end"
	EventCallStatus EventName = "call-status"

	// Relayed in both directions
	EventOffer        EventName = "offer"
	EventAnswer       EventName = "answer"
	EventICECandidate EventName = "ice-candidate"

	// Outbound (server -> client)
	EventIncomingCall EventName = "incoming-call"
	EventCallEnded    EventName = "call-ended"
	EventError        EventName = "error"
)

// ErrorCode identifies the kind of advisory error sent back to a sender
type ErrorCode string

const (
	ErrorTargetOffline  ErrorCode = "TARGET_OFFLINE"
	ErrorOfferFailed    ErrorCode = "OFFER_FAILED"
	ErrorAnswerFailed   ErrorCode = "ANSWER_FAILED"
	ErrorSignalingError ErrorCode = "SIGNALING_ERROR"
)

// End reasons reported in call-ended
const (
	EndReasonHangup     = "hangup"
	EndReasonTimeout    = "timeout"
	EndReasonDisconnect = "disconnect"
)

// Envelope is the frame exchanged over the transport in both directions
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is an event ready to be written to a connection
type OutboundEvent struct {
	Event EventName `json:"event"`
	Data  any       `json:"data"`
}

// CallStartPayload starts a new call
type CallStartPayload struct {
	CallID       string   `json:"callId"`
	TargetUserID string   `json:"targetUserId"`
	Type         CallKind `json:"type"`
}

// OfferPayload carries an SDP offer. Offer is relayed verbatim.
type OfferPayload struct {
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Offer        json.RawMessage `json:"offer"`
	Type         CallKind        `json:"type,omitempty"`
}

// AnswerPayload carries an SDP answer. Answer is relayed verbatim.
type AnswerPayload struct {
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Answer       json.RawMessage `json:"answer"`
}

// ICECandidatePayload carries a trickled ICE candidate. Candidate is relayed
// verbatim; it may be an RTCIceCandidateInit object or a bare candidate string.
type ICECandidatePayload struct {
	CallID       string          `json:"callId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Candidate    json.RawMessage `json:"candidate"`
}

// CallEndPayload ends a call explicitly
type CallEndPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// CallStatusPayload is an opaque status update passed through to the peer
type CallStatusPayload struct {
	CallID string          `json:"callId"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// SessionDescription extracts the SDP from a relayed offer or answer
type SessionDescription struct {
	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp"`
}

// CallerInfo identifies the caller in incoming-call
type CallerInfo struct {
	ID string `json:"id"`
}

type IncomingCallEvent struct {
	CallID     string     `json:"callId"`
	FromUserID string     `json:"fromUserId"`
	Type       CallKind   `json:"type"`
	Caller     CallerInfo `json:"caller"`
}

type OfferEvent struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Offer      json.RawMessage `json:"offer"`
	Type       CallKind        `json:"type,omitempty"`
}

type AnswerEvent struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Answer     json.RawMessage `json:"answer"`
}

type ICECandidateEvent struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Candidate  json.RawMessage `json:"candidate"`
}

type CallEndedEvent struct {
	CallID   string `json:"callId"`
	Reason   string `json:"reason"`
	EndBy    string `json:"endBy,omitempty"`
	Duration int64  `json:"duration"`
}

type CallStatusEvent struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ErrorEvent is sent to the originating sender only, never to the peer
type ErrorEvent struct {
	CallID  string    `json:"callId,omitempty"`
	Error   ErrorCode `json:"error"`
	Message string    `json:"message,omitempty"`
}

// ParseCandidate reads a relayed candidate in either of its client forms.
// The result is informational only; relays forward the raw bytes.
func ParseCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var cand webrtc.ICECandidateInit
	var line string
	if err := json.Unmarshal(raw, &line); err == nil {
		cand.Candidate = line
		return cand, nil
	}
	if err := json.Unmarshal(raw, &cand); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return cand, nil
}

// HasCandidate reports whether raw carries a candidate at all
func HasCandidate(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
