package whatsapp

import (
	"encoding/json"
	"fmt"

	"agentbridge/internal/domain"
)

// Webhook envelope: entry[].changes[].value.messages[].

type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Messages         []Message `json:"messages"`
	Statuses         []any     `json:"statuses,omitempty"`
}

type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
	Audio     *Audio `json:"audio,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Audio struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Voice    bool   `json:"voice"`
}

// ParseEvent decodes a webhook body and returns every message it carries,
// classified by declared type. Status-only deliveries yield no messages.
func ParseEvent(body []byte) ([]domain.InboundMessage, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	var msgs []domain.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				msgs = append(msgs, Classify(m))
			}
		}
	}
	return msgs, nil
}

// Classify maps one platform message to an InboundMessage.
func Classify(m Message) domain.InboundMessage {
	msg := domain.InboundMessage{ID: m.ID, SenderID: m.From, Type: m.Type}
	switch m.Type {
	case "text":
		msg.Kind = domain.KindText
		if m.Text != nil {
			msg.Text = m.Text.Body
		}
	case "audio":
		msg.Kind = domain.KindAudio
		if m.Audio != nil {
			msg.AudioID = m.Audio.ID
		}
	default:
		msg.Kind = domain.KindUnsupported
	}
	return msg
}
