package domain

import (
	"fmt"
	"time"
)

// Platform identifies the chat provider a message travelled through.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
	PlatformTelegram  Platform = "telegram"
	PlatformEmail     Platform = "email"
	PlatformWebchat   Platform = "webchat"
)

// Platforms lists every platform the gateway knows about.
var Platforms = []Platform{
	PlatformWhatsApp,
	PlatformInstagram,
	PlatformTelegram,
	PlatformEmail,
	PlatformWebchat,
}

// ParsePlatform validates a platform name coming from config, URLs or frames.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// MessageType tells the UI how to interpret Message.Content (literal text vs. media URL).
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
	MessageFile  MessageType = "file"
)

// Message is the canonical, provider-agnostic message every adapter normalizes into.
// Content is passed through untouched; Platform and Type together define its meaning.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	Sender         string         `json:"sender"`
	Timestamp      time.Time      `json:"timestamp"`
	Platform       Platform       `json:"platform"`
	Type           MessageType    `json:"messageType"`
	IsRead         bool           `json:"isRead"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SetMeta stores a provider-specific extra, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}
