package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Event is the envelope exchanged with clients in both directions.
type Event struct {
	// Dispatcher is the user that sent the event. It is only set on inbound events.
	Dispatcher string `json:"-"`
	// ConnID identifies the dispatcher's connection. It is only set on inbound events.
	ConnID  int             `json:"-"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// CorrelationID is chosen by the client and echoed back on replies.
	CorrelationID int `json:"correlationId,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Dispatcher: %s:%d, Type: %s, CorrelationID: %d, Payload.Size: %d}",
		e.Dispatcher, e.ConnID, e.Type, e.CorrelationID, len(e.Payload))
}

// Source returns a reference to the connection that dispatched the event.
func (e Event) Source() ConnRef {
	return ConnRef{Username: e.Dispatcher, ID: e.ConnID}
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return errors.New("decode event: missing type")
	}
	return nil
}

// NewEvent marshals the payload into a new outbound event.
func NewEvent(t string, payload interface{}) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: t, Payload: b}, nil
}

// DecodePayload unmarshals the event payload into v and validates it.
// Any failure is reported as an INVALID_PAYLOAD error.
func DecodePayload(e *Event, v interface{}) error {
	payload := e.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return InvalidPayload(err.Error())
	}
	if err := validate.Struct(v); err != nil {
		return InvalidPayload(err.Error())
	}
	return nil
}

// ErrorEventPayload is the payload of the error event.
type ErrorEventPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

const ErrorEvent = "error"

// ConnRef identifies a single connection of a user.
type ConnRef struct {
	Username string
	ID       int
}

type EventTransport interface {
	// Send sends the event to every connected user except the given ones.
	Send(event *Event, except ...string)
	SendToUsers(event *Event, usernames ...string)
	SendToConns(event *Event, conns ...ConnRef)
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to the handlers registered for their type
// and provides helpers to emit outbound events through the transport.
type EventRouter struct {
	mu        sync.RWMutex
	listeners map[string]EventHandler
	transport EventTransport
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger, transport EventTransport) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		transport: transport,
		logger:    logger,
	}
}

func (em *EventRouter) On(eventName string, handler EventHandler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.listeners[eventName] = handler
}

// Dispatch runs the handler for the event to completion.
// Handler errors and panics never escape: they are converted into an
// error event that is sent to the originating connection only.
func (em *EventRouter) Dispatch(ctx context.Context, e *Event) {
	em.mu.RLock()
	handler, ok := em.listeners[e.Type]
	em.mu.RUnlock()
	if !ok {
		em.ReplyError(e, ErrUnknownEvent)
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return handler(ctx, e)
	}()
	if errors.Is(err, ErrConnClosed) {
		em.logger.Debug(fmt.Sprintf("%s handler: %s", e.Type, err))
		return
	}
	if err != nil {
		em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err),
			slog.String("user", e.Dispatcher), slog.Int("conn", e.ConnID))
		em.ReplyError(e, err)
	}
}

// Emit sends an event to every connected user except the given ones.
func (em *EventRouter) Emit(t string, payload interface{}, except ...string) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.Send(e, except...)
	return nil
}

// EmitTo sends an event to every connection of the given users.
func (em *EventRouter) EmitTo(t string, payload interface{}, usernames ...string) error {
	if len(usernames) == 0 {
		return nil
	}
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendToUsers(e, usernames...)
	return nil
}

// EmitToConns sends an event to specific connections.
func (em *EventRouter) EmitToConns(t string, payload interface{}, conns ...ConnRef) error {
	if len(conns) == 0 {
		return nil
	}
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendToConns(e, conns...)
	return nil
}

// Reply sends an event back to the connection that dispatched req,
// carrying the correlation ID of the request.
func (em *EventRouter) Reply(req *Event, t string, payload interface{}) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	e.CorrelationID = req.CorrelationID
	em.transport.SendToConns(e, req.Source())
	return nil
}

func (em *EventRouter) ReplyError(req *Event, err error) {
	pub := PublicError(err)
	if err := em.Reply(req, ErrorEvent, ErrorEventPayload{Message: pub.Error(), Code: pub.Code}); err != nil {
		em.logger.Error(fmt.Sprintf("reply error: %v", err))
	}
}
