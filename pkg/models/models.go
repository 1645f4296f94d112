package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryConfirmed DeliveryState = "confirmed"
)

// IsSettled reports whether the message needs no further delivery work.
func (s DeliveryState) IsSettled() bool {
	return s == DeliveryConfirmed || s == DeliverySent
}

const ReplyUnavailableText = "message unavailable"

// ReplyReference is a denormalized snapshot of the quoted message, captured
// at reply time so the thread stays readable after the original scrolls out
// of the cached window.
type ReplyReference struct {
	ID         string    `json:"id"`
	SenderName string    `json:"sender_name,omitempty"`
	Snippet    string    `json:"snippet"`
	SentAt     time.Time `json:"sent_at,omitempty"`
}

func UnavailableReply(id string) *ReplyReference {
	return &ReplyReference{ID: id, Snippet: ReplyUnavailableText}
}

func (r *ReplyReference) Resolved() bool {
	return r != nil && r.Snippet != "" && r.Snippet != ReplyUnavailableText
}

type Attachment struct {
	URL           string `json:"url"`
	Name          string `json:"name"`
	MimeType      string `json:"mime_type"`
	Size          int64  `json:"size"`
	VoiceDuration int    `json:"voice_duration_sec,omitempty"`
}

func (a *Attachment) IsVoice() bool {
	return a != nil && a.VoiceDuration > 0
}

type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Sender         Identity        `json:"sender"`
	Content        string          `json:"content,omitempty"`
	Attachment     *Attachment     `json:"attachment,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ReplyTo        *ReplyReference `json:"reply_to,omitempty"`
	Delivery       DeliveryState   `json:"delivery"`
	FailReason     string          `json:"fail_reason,omitempty"`
	Read           bool            `json:"read"`
}

// Snippet returns the short preview used for conversation summaries and
// reply references.
func (m Message) Snippet() string {
	text := strings.TrimSpace(m.Content)
	if text == "" && m.Attachment != nil {
		if m.Attachment.IsVoice() {
			text = "voice message"
		} else {
			text = m.Attachment.Name
		}
	}
	// Truncation counts runes so a multibyte character is never split.
	const max = 80
	if utf8.RuneCountInString(text) > max {
		runes := []rune(text)
		return string(runes[:max])
	}
	return text
}

func (m Message) ReplySnapshot() *ReplyReference {
	return &ReplyReference{
		ID:         m.ID,
		SenderName: m.Sender.DisplayName,
		Snippet:    m.Snippet(),
		SentAt:     m.CreatedAt,
	}
}

type Conversation struct {
	ID            string     `json:"id"`
	Participants  []Identity `json:"participants"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt time.Time  `json:"last_message_at"`
	UnreadCount   int        `json:"unread_count"`
}

// Peer returns the participant other than localID in a two-party
// conversation.
func (c Conversation) Peer(localID string) (Identity, bool) {
	for _, p := range c.Participants {
		if p.ID != localID {
			return p, true
		}
	}
	return Identity{}, false
}

type PresenceSnapshot struct {
	OnlineUserIDs []string            `json:"online_user_ids"`
	TypingByConv  map[string][]string `json:"typing_by_conversation,omitempty"`
}

func CloneMessages(in []Message) []Message {
	return append([]Message(nil), in...)
}
