package models

// Realtime event types exchanged over the websocket.
const (
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "sendMessage"
	EventTyping      = "typing"

	EventJoined  = "joined"
	EventMessage = "message"
	EventError   = "error"
)

// InboundEvent is a client to server frame.
type InboundEvent struct {
	Type     string `json:"type" validate:"required,oneof=join_chat leave_chat sendMessage typing"`
	ChatID   string `json:"chatId" validate:"required,uuid"`
	Content  string `json:"content,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
}

// MessageEvent carries a persisted message to every member of a room.
type MessageEvent struct {
	Type    string  `json:"type"`
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// TypingEvent announces a typing transition.
type TypingEvent struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorEvent is only ever sent to the connection that caused it.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}

// JoinedEvent acknowledges a successful join_chat.
type JoinedEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

func NewMessageEvent(msg Message) MessageEvent {
	return MessageEvent{Type: EventMessage, ChatID: msg.ChatID, Message: msg}
}

func NewTypingEvent(chatID, userID string, isTyping bool) TypingEvent {
	return TypingEvent{Type: EventTyping, ChatID: chatID, UserID: userID, IsTyping: isTyping}
}

func NewErrorEvent(code, message, chatID string) ErrorEvent {
	return ErrorEvent{Type: EventError, Code: code, Message: message, ChatID: chatID}
}

func NewJoinedEvent(chatID string) JoinedEvent {
	return JoinedEvent{Type: EventJoined, ChatID: chatID}
}
