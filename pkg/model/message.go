package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxContentLength = 4096

var ErrMessageContentTooLong = fmt.Errorf("message content exceeds %d characters", MessageMaxContentLength)
var ErrMessageContentEmpty = errors.New("message content cannot be empty")
var ErrConversationIDEmpty = errors.New("conversation_id cannot be empty")

// OutgoingMessage is a chat message sent over the realtime connection.
type OutgoingMessage struct {
	ConversationID  string `json:"conversation_id"`
	ReceiverID      int64  `json:"receiver_id"`
	Content         string `json:"content"`
	MessageType     string `json:"message_type,omitempty"` // "text" when empty
	MediaURL        string `json:"media_url,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

func (m *OutgoingMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return ErrConversationIDEmpty
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrMessageContentEmpty
	}
	if utf8.RuneCountInString(m.Content) > MessageMaxContentLength {
		return ErrMessageContentTooLong
	}
	return nil
}

// IncomingMessage is a chat message delivered via the new_message event.
type IncomingMessage struct {
	ID             int64             `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       int64             `json:"sender_id"`
	ReceiverID     int64             `json:"receiver_id"`
	Content        string            `json:"content"`
	MessageType    string            `json:"message_type"`
	MediaURL       string            `json:"media_url,omitempty"`
	Translations   map[string]string `json:"translated_content,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// TypingEvent is delivered via the user_typing event.
type TypingEvent struct {
	UserID         int64  `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Notification is delivered via the notification event.
type Notification struct {
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
