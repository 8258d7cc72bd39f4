package webchat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxInboundFrameBytes = 64 << 10

type StreamHubConfig struct {
	BaseCtx  context.Context
	Registry *Registry
	Chat     *ChatService
	// Sink fans frames out to every channel of a user, possibly across
	// instances. Defaults to Registry.
	Sink FrameSink
}

// StreamHub attaches websocket connections to the registry and dispatches
// their inbound frames.
type StreamHub struct {
	baseCtx  context.Context
	registry *Registry
	chat     *ChatService
	sink     FrameSink
}

func NewStreamHub(cfg StreamHubConfig) (*StreamHub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("stream hub base context is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("stream hub registry is nil")
	}
	if cfg.Chat == nil {
		return nil, errors.New("stream hub chat service is nil")
	}
	sink := cfg.Sink
	if sink == nil {
		sink = cfg.Registry
	}
	return &StreamHub{baseCtx: cfg.BaseCtx, registry: cfg.Registry, chat: cfg.Chat, sink: sink}, nil
}

type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	ChatID         string `json:"chat_id"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	MessageID      string `json:"messageId"`
	IsTyping       bool   `json:"isTyping"`
	IsTypingLegacy bool   `json:"is_typing"`
	Timestamp      int64  `json:"timestamp"`
}

func (f inboundFrame) conversationID() string {
	if f.ConversationID != "" {
		return f.ConversationID
	}
	return f.ChatID
}

// Serve registers conn for caller and runs its read loop until the client
// goes away. It blocks; the connection is disconnected on return.
func (h *StreamHub) Serve(caller Caller, conn *websocket.Conn) {
	ch := NewWSChannel(conn, DefaultWriteTimeout)
	h.registry.Connect(caller.Identity, ch)
	defer h.registry.Disconnect(ch)

	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", ch.RemoteAddr()).
		Str("user_id", caller.Identity).
		Logger()
	wsLog.Info().Msg("ws connected")
	defer wsLog.Info().Msg("ws disconnected")

	h.reply(ch, connectionFrame(caller.Identity))

	conn.SetReadLimit(maxInboundFrameBytes)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		h.handle(caller, ch, data)
	}
}

func (h *StreamHub) reply(ch Channel, f Frame) {
	b, err := f.Marshal()
	if err != nil {
		return
	}
	h.registry.SendToOne(ch, b)
}

func (h *StreamHub) handle(caller Caller, ch Channel, data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
			h.reply(ch, pongFrame(0))
			return
		}
		h.reply(ch, errorFrame("", "", newUserError(KindInvalidRequest, "Malformed message.", err)))
		return
	}

	switch in.Type {
	case "ping":
		h.reply(ch, pongFrame(in.Timestamp))
	case "typing":
		b, err := typingFrame(in.conversationID(), in.IsTyping || in.IsTypingLegacy).Marshal()
		if err == nil {
			h.sink.SendToUser(caller.Identity, b)
		}
	case "stream_request":
		task, err := h.chat.StreamMessage(h.baseCtx, StreamMessageInput{
			Caller:         caller,
			ConversationID: in.conversationID(),
			Prompt:         in.Prompt,
			Model:          in.Model,
		})
		if err != nil {
			ue := Classify(err)
			log.Warn().Err(err).Str("component", "webchat").Str("user_id", caller.Identity).Str("kind", string(ue.Kind)).Msg("stream request rejected")
			h.reply(ch, errorFrame(in.conversationID(), "", ue))
			return
		}
		log.Debug().Str("component", "webchat").Str("user_id", caller.Identity).Str("message_id", task.MessageID).Msg("stream started")
	case "cancel":
		if !h.chat.Cancel(caller.Identity, in.MessageID) {
			log.Debug().Str("component", "webchat").Str("message_id", in.MessageID).Msg("cancel for unknown stream")
		}
	default:
		log.Debug().Str("component", "webchat").Str("type", in.Type).Msg("unknown ws message type")
	}
}
