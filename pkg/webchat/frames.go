package webchat

import (
	"encoding/json"
	"time"
)

type FrameType string

const (
	FrameStart        FrameType = "start"
	FrameChunk        FrameType = "chunk"
	FrameEnd          FrameType = "end"
	FrameError        FrameType = "error"
	FrameTyping       FrameType = "typing"
	FramePong         FrameType = "pong"
	FrameConnection   FrameType = "connection"
	FrameChatMessage  FrameType = "chat_message"
	FrameChatUpdate   FrameType = "chat_update"
	FrameNotification FrameType = "notification"
	FrameSystem       FrameType = "system"
)

// Frame is the client-facing wire message. Only the fields of its type are
// set; end frames always carry fullText, even when empty.
type Frame struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	Delta          string    `json:"delta,omitempty"`
	FullText       *string   `json:"fullText,omitempty"`
	ErrorSummary   string    `json:"errorSummary,omitempty"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	RetryAfter     int       `json:"retryAfter,omitempty"`
	IsTyping       *bool     `json:"isTyping,omitempty"`
	Status         string    `json:"status,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	Timestamp      int64     `json:"timestamp,omitempty"`
	Data           any       `json:"data,omitempty"`
}

func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func startFrame(convID, messageID string) Frame {
	return Frame{Type: FrameStart, ConversationID: convID, MessageID: messageID}
}

func chunkFrame(convID, messageID, delta string) Frame {
	return Frame{Type: FrameChunk, ConversationID: convID, MessageID: messageID, Delta: delta}
}

func endFrame(convID, messageID, fullText string) Frame {
	return Frame{Type: FrameEnd, ConversationID: convID, MessageID: messageID, FullText: &fullText}
}

func errorFrame(convID, messageID string, ue *UserError) Frame {
	return Frame{
		Type:           FrameError,
		ConversationID: convID,
		MessageID:      messageID,
		ErrorSummary:   ue.Message,
		ErrorKind:      ue.Kind,
		RetryAfter:     ue.RetryAfterSeconds,
	}
}

func typingFrame(convID string, isTyping bool) Frame {
	return Frame{Type: FrameTyping, ConversationID: convID, IsTyping: &isTyping, Timestamp: time.Now().UnixMilli()}
}

func pongFrame(ts int64) Frame {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return Frame{Type: FramePong, Timestamp: ts}
}

func connectionFrame(identity string) Frame {
	return Frame{Type: FrameConnection, Status: "connected", UserID: identity, Timestamp: time.Now().UnixMilli()}
}

// NotificationFrame wraps an out-of-band notice for a user.
func NotificationFrame(data any) Frame {
	return Frame{Type: FrameNotification, Data: data, Timestamp: time.Now().UnixMilli()}
}

// SystemFrame wraps a notice broadcast to every connection.
func SystemFrame(data any) Frame {
	return Frame{Type: FrameSystem, Data: data, Timestamp: time.Now().UnixMilli()}
}
