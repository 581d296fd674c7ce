package core

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups when the record does not exist.
var ErrNotFound = errors.New("not_found")

// Kind tags the conversation a message was posted into.
type Kind int

const (
	KindUnknown Kind = iota
	KindDirect
	KindGroup
)

// Collection names as they appear in trigger paths and push payloads.
const (
	DirectCollection = "chats"
	GroupCollection  = "group_chats"
)

// ParseKind maps a path segment to a Kind. Anything unrecognised is KindUnknown.
func ParseKind(s string) Kind {
	switch s {
	case DirectCollection:
		return KindDirect
	case GroupCollection:
		return KindGroup
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return DirectCollection
	case KindGroup:
		return GroupCollection
	default:
		return "unknown"
	}
}

// ChatMessage is the record a client writes into a conversation.
type ChatMessage struct {
	FromUID      string `json:"from_uid"`
	FromUsername string `json:"from_username"`
	Body         string `json:"body"`
}

// Trigger is one "message created" event. Message is nil when the event
// carried no payload. RawKind keeps the original path segment so unknown
// kinds can still be logged.
type Trigger struct {
	Kind           Kind
	RawKind        string
	ConversationID string
	MessageID      string
	Message        *ChatMessage
}

// NewTrigger builds a Trigger from the path-derived tuple.
func NewTrigger(chatType, chatID, messageID string, msg *ChatMessage) Trigger {
	return Trigger{
		Kind:           ParseKind(chatType),
		RawKind:        chatType,
		ConversationID: chatID,
		MessageID:      messageID,
		Message:        msg,
	}
}

// ChatType is the value sent in push payloads.
func (t Trigger) ChatType() string {
	if t.Kind == KindUnknown {
		return t.RawKind
	}
	return t.Kind.String()
}

type Conversation struct {
	ID      string   `json:"id"`
	Kind    Kind     `json:"-"`
	Members []string `json:"members"`
}

type UserPushProfile struct {
	UserID         string   `json:"id"`
	Username       string   `json:"username"`
	ExpoPushTokens []string `json:"expoPushTokens"`
	ActiveChatID   string   `json:"activeChatId,omitempty"`
}

// OutboxMessage is a chat_messages row as seen by the notification worker.
type OutboxMessage struct {
	ID             string      `json:"id"`
	ChatType       string      `json:"chat_type"`
	ChatID         string      `json:"chat_id"`
	Message        ChatMessage `json:"message"`
	NotifyStatus   string      `json:"notify_status"`
	NotifyAttempts int         `json:"notify_attempts"`
	CreatedAt      time.Time   `json:"created_at"`
	NotifiedAt     *time.Time  `json:"notified_at,omitempty"`
}
