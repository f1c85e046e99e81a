package contracts

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope passed from step to step
type Message struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Data       []any             `json:"data"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Error      *ErrorBody        `json:"error,omitempty"`
}

// NewMessage creates a message with an empty data list
func NewMessage(messageType, id string) *Message {
	return &Message{
		Type: messageType,
		ID:   id,
		Data: []any{},
	}
}

// Append adds step outputs to the data list
func (m *Message) Append(values ...any) {
	if m.Data == nil {
		m.Data = make([]any, 0, len(values))
	}
	m.Data = append(m.Data, values...)
}

// Last returns the most recent data entry, or nil when data is empty
func (m *Message) Last() any {
	if len(m.Data) == 0 {
		return nil
	}
	return m.Data[len(m.Data)-1]
}

// Clone returns a copy that can be appended to without touching the original.
// Data entries are shared; they are treated as immutable once appended.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := &Message{
		Type: m.Type,
		ID:   m.ID,
		Data: make([]any, len(m.Data)),
	}
	copy(clone.Data, m.Data)

	if m.Attributes != nil {
		clone.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			clone.Attributes[k] = v
		}
	}
	if m.Error != nil {
		errCopy := *m.Error
		clone.Error = &errCopy
	}

	return clone
}

// Encode serializes the message to JSON
func (m *Message) Encode() ([]byte, error) {
	if m.Data == nil {
		m.Data = []any{}
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("contracts: encode message %s: %w", m.ID, err)
	}
	return body, nil
}

// DecodeMessage parses a JSON message body. An empty body yields an empty message.
func DecodeMessage(body []byte) (*Message, error) {
	msg := &Message{Data: []any{}}
	if len(body) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Data == nil {
		msg.Data = []any{}
	}
	return msg, nil
}
