package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Properties holds the AMQP basic properties carried with a message
type Properties struct {
	ContentType   string
	CorrelationID string
	Headers       map[string]interface{}
	Persistent    bool
	Priority      uint8
	Expiration    string
	Timestamp     time.Time
}

func (p Properties) clone() Properties {
	if p.Headers != nil {
		headers := make(map[string]interface{}, len(p.Headers))
		for k, v := range p.Headers {
			headers[k] = v
		}
		p.Headers = headers
	}
	return p
}

// Message is an immutable payload with its properties.
// The zero GUID means the message has not been accepted by a producer yet.
type Message struct {
	payload    []byte
	guid       uuid.UUID
	properties Properties
}

// MessageOption configures a message at construction
type MessageOption func(*Properties)

// WithContentType sets the content type
func WithContentType(contentType string) MessageOption {
	return func(p *Properties) {
		p.ContentType = contentType
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) MessageOption {
	return func(p *Properties) {
		p.CorrelationID = id
	}
}

// WithHeader adds a single header
func WithHeader(key string, value interface{}) MessageOption {
	return func(p *Properties) {
		if p.Headers == nil {
			p.Headers = make(map[string]interface{})
		}
		p.Headers[key] = value
	}
}

// WithPersistent marks the message persistent (delivery mode 2)
func WithPersistent(persistent bool) MessageOption {
	return func(p *Properties) {
		p.Persistent = persistent
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) MessageOption {
	return func(p *Properties) {
		p.Priority = priority
	}
}

// WithExpiration sets the per-message TTL
func WithExpiration(ttl time.Duration) MessageOption {
	return func(p *Properties) {
		p.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
	}
}

// NewMessage creates a message. The payload is copied.
func NewMessage(payload []byte, options ...MessageOption) Message {
	props := Properties{Persistent: true}
	for _, opt := range options {
		opt(&props)
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	return Message{
		payload:    body,
		properties: props,
	}
}

// NewTextMessage creates a text/plain message
func NewTextMessage(text string, options ...MessageOption) Message {
	options = append([]MessageOption{WithContentType("text/plain")}, options...)
	return NewMessage([]byte(text), options...)
}

// RestoreMessage rebuilds a message received from the broker
func RestoreMessage(payload []byte, guid uuid.UUID, props Properties) Message {
	return Message{payload: payload, guid: guid, properties: props.clone()}
}

// WithGUID returns a copy of the message stamped with guid
func (m Message) WithGUID(guid uuid.UUID) Message {
	m.guid = guid
	return m
}

// Payload returns the message body. Callers must not modify it.
func (m Message) Payload() []byte {
	return m.payload
}

// PayloadSize returns the body length in bytes
func (m Message) PayloadSize() int {
	return len(m.payload)
}

// GUID returns the library-assigned identifier
func (m Message) GUID() uuid.UUID {
	return m.guid
}

// Properties returns a copy of the message properties
func (m Message) Properties() Properties {
	return m.properties.clone()
}

func (m Message) String() string {
	return fmt.Sprintf("[Message guid=%s size=%d]", m.guid, len(m.payload))
}
