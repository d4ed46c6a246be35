package ws

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendMessageMsg, protocol.MarkReadMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("session", conn.ID).Str("type", msgType).Msg("parse error")
		if errors.Is(err, protocol.ErrUnknownType) {
			d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type", "")
			return
		}
		d.SendError(conn, protocol.CodeParseError, "invalid message format", "")
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("session", conn.ID).Msg("unsupported message type")
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type", "")
		return
	}

	handler(conn, msg)
}

// Send encodes a server message and writes it to conn. Errors during message
// construction or transmission are logged but not propagated.
func (d *MessageDispatcher) Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Str("session", conn.ID).Msg("failed to build message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Err(err).Str("type", msgType).Str("session", conn.ID).Msg("failed to send message")
	}
}

// SendError sends a structured error message back to the client.
func (d *MessageDispatcher) SendError(conn *Connection, code, message, ref string) {
	d.Send(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
		Ref:     ref,
	})
}
