package channel

// Wire event names shared with the relay service. Inbound and outbound
// directions use the same vocabulary; room scoping is carried in payloads.
const (
	EventRoomJoin  = "room:join"
	EventRoomLeave = "room:leave"

	EventMessageNew    = "message:new"
	EventMessagesRead  = "messages:read"
	EventTyping        = "typing"
	EventTypingStopped = "typing:stop"

	EventPresenceSnapshot = "presence:snapshot"
	EventPresenceRequest  = "presence:request"
	EventUserOnline       = "presence:online"
	EventUserOffline      = "presence:offline"

	EventCallInitiate = "call:initiate"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallEnd      = "call:end"
	EventCallSignal   = "call:signal"
)

type RoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
}

type OnlinePayload struct {
	UserID string `json:"user_id"`
}

type SnapshotPayload struct {
	Online map[string]bool `json:"online"`
}
