package models

import "time"

type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateCalling    CallState = "calling"
	CallStateRinging    CallState = "ringing"
	CallStateConnecting CallState = "connecting"
	CallStateConnected  CallState = "connected"
	CallStateEnded      CallState = "ended"
	CallStateFailed     CallState = "failed"
)

func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// End reasons carried on the call:end signal and kept on the session so the
// UI can distinguish a clean hangup from rejection, busy peer, or failure.
const (
	CallEndHangup   = "hangup"
	CallEndRejected = "rejected"
	CallEndBusy     = "busy"
	CallEndMissed   = "missed"
	CallEndFailure  = "failure"
)

type CallSession struct {
	CallID         string        `json:"call_id"`
	ConversationID string        `json:"conversation_id"`
	LocalUserID    string        `json:"local_user_id"`
	RemoteUser     Identity      `json:"remote_user"`
	Direction      CallDirection `json:"direction"`
	State          CallState     `json:"state"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	EndedAt        time.Time     `json:"ended_at,omitempty"`
	EndReason      string        `json:"end_reason,omitempty"`
	Muted          bool          `json:"muted"`
	SpeakerOn      bool          `json:"speaker_on"`
}
