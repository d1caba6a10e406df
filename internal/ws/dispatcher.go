package ws

import (
	"github.com/rs/zerolog"

	"github.com/plaza/chat-service/internal/logging"
	"github.com/plaza/chat-service/internal/metrics"
	"github.com/plaza/chat-service/internal/protocol"
)

// Error codes sent in protocol error frames for malformed input.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// MessageHandler handles one parsed client event. msg is the concrete struct
// returned by protocol.ParseClientMessage, e.g. protocol.SendMessageMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by event type. Ping is
// answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logging.Component("dispatch"),
	}
}

// Register associates handler with msgType, replacing any earlier one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Hooks.OnMessage implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		d.log.Debug().Err(err).Str(logging.FieldSession, conn.ID()).Msg("parse error")
		if _, known := d.handlers[msgType]; msgType != "" && !known && msgType != protocol.TypePing {
			d.SendError(conn, CodeUnsupportedType, "unsupported message type")
			return
		}
		d.SendError(conn, CodeParseError, "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		d.Send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.SendError(conn, CodeUnsupportedType, "unsupported message type")
		return
	}
	handler(conn, msg)
}

// Send encodes payload as a msgType frame and writes it to conn. Failures
// are logged; a broken connection is reaped by the read path.
func (d *MessageDispatcher) Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("encode frame")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Err(err).Str(logging.FieldSession, conn.ID()).Str("type", msgType).Msg("write frame")
	}
}

// SendError writes a protocol error frame.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.Send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
