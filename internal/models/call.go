package models

import "time"

// CallKind is the media kind requested by the caller
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// Valid reports whether k is a known call kind
func (k CallKind) Valid() bool {
	return k == CallKindAudio || k == CallKindVideo
}

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
)

// CallSession is the record of one in-progress call
type CallSession struct {
	ID          string     `json:"callId"`
	CallerID    string     `json:"callerId"`
	CalleeID    string     `json:"calleeId"`
	Kind        CallKind   `json:"type"`
	Status      CallStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	// Seq distinguishes successive sessions that reuse the same call id
	Seq uint64 `json:"-"`
}

// Peer returns the other participant. ok is false if userID is not part of the call.
func (s CallSession) Peer(userID string) (peer string, ok bool) {
	switch userID {
	case s.CallerID:
		return s.CalleeID, true
	case s.CalleeID:
		return s.CallerID, true
	default:
		return "", false
	}
}

// Duration returns whole seconds from creation to end, measured from
// CreatedAt rather than ConnectedAt.
func (s CallSession) Duration(end time.Time) int64 {
	d := end.Sub(s.CreatedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// CallRecord is the history entry written when a call ends
type CallRecord struct {
	CallID      string     `json:"callId"`
	CallerID    string     `json:"callerId"`
	CalleeID    string     `json:"calleeId"`
	Kind        CallKind   `json:"type"`
	Reason      string     `json:"reason"`
	EndBy       string     `json:"endBy,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	EndedAt     time.Time  `json:"endedAt"`
	Duration    int64      `json:"duration"`
}

// NewCallRecord builds a history entry from an ended session
func NewCallRecord(s CallSession, reason, endBy string) CallRecord {
	rec := CallRecord{
		CallID:      s.ID,
		CallerID:    s.CallerID,
		CalleeID:    s.CalleeID,
		Kind:        s.Kind,
		Reason:      reason,
		EndBy:       endBy,
		StartedAt:   s.CreatedAt,
		ConnectedAt: s.ConnectedAt,
	}
	if s.EndedAt != nil {
		rec.EndedAt = *s.EndedAt
		rec.Duration = s.Duration(*s.EndedAt)
	}
	return rec
}

// StartCallRequest is the request body for starting a call over HTTP
type StartCallRequest struct {
	CallID       string   `json:"callId"`
	TargetUserID string   `json:"targetUserId" binding:"required"`
	Type         CallKind `json:"type" binding:"required,oneof=audio video"`
}

// StartCallResponse is the response for starting a call over HTTP
type StartCallResponse struct {
	Call         CallSession `json:"call"`
	TargetOnline bool        `json:"targetOnline"`
}
