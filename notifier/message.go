package notifier

import (
	"github.com/courierhq/courier/serialization"
)

// Registered type names of the built-in messages
const (
	ChatMessageType = "notifier.chat_message"
	SMSMessageType  = "notifier.sms_message"
)

func init() {
	registry := serialization.GetGlobalRegistry()
	if err := registry.Register(ChatMessageType, ChatMessage{}); err != nil {
		panic(err)
	}
	if err := registry.Register(SMSMessageType, SMSMessage{}); err != nil {
		panic(err)
	}
}

// Message is a notification handed to a Transport
type Message interface {
	// Subject is the text of the notification
	Subject() string
	// TransportName names the transport that must deliver the message; empty means any
	TransportName() string
}

// ChatMessage is a message for chat services
type ChatMessage struct {
	Content   string         `json:"subject"`
	Transport string         `json:"transport,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// NewChatMessage creates a chat message
func NewChatMessage(subject string) ChatMessage {
	return ChatMessage{Content: subject}
}

// Subject implements Message
func (m ChatMessage) Subject() string { return m.Content }

// TransportName implements Message
func (m ChatMessage) TransportName() string { return m.Transport }

// WithTransport returns a copy routed to the named transport
func (m ChatMessage) WithTransport(name string) ChatMessage {
	m.Transport = name
	return m
}

// SMSMessage is a text message for a phone number
type SMSMessage struct {
	Phone     string `json:"phone"`
	Content   string `json:"subject"`
	From      string `json:"from,omitempty"`
	Transport string `json:"transport,omitempty"`
}

// Subject implements Message
func (m SMSMessage) Subject() string { return m.Content }

// TransportName implements Message
func (m SMSMessage) TransportName() string { return m.Transport }

// SentMessage is the result of a successful send
type SentMessage struct {
	Original  Message
	Transport string
	MessageID string
}
