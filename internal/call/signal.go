package call

import "hireline/rtc-engine/pkg/models"

// Signaling payloads exchanged over the shared channel session. Every
// payload is scoped by call id and sender so stale traffic from a prior
// call can be discarded.

type InitiatePayload struct {
	CallID         string          `json:"call_id"`
	ConversationID string          `json:"conversation_id"`
	Caller         models.Identity `json:"caller"`
	TargetID       string          `json:"target_id"`
}

type AcceptPayload struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

type RejectPayload struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type EndPayload struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

type SignalPayload struct {
	CallID    string `json:"call_id"`
	SenderID  string `json:"sender_id"`
	Kind      string `json:"kind"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}
