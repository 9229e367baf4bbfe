package channel

import (
	"context"
	"encoding/json"
	"time"

	"chatrelay/internal/domain"
)

// FrameWriter writes a frame on the live backend transport.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f domain.Frame) error
}

// Webchat carries the dashboard's own web widget conversations. Messages
// arrive already canonical on the transport and replies go back over it.
type Webchat struct {
	out    FrameWriter
	sender string
}

// NewWebchat replies through out, stamping outbound messages with sender.
func NewWebchat(out FrameWriter, sender string) *Webchat {
	if sender == "" {
		sender = "agent"
	}
	return &Webchat{out: out, sender: sender}
}

func (w *Webchat) Platform() domain.Platform { return domain.PlatformWebchat }

func (w *Webchat) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegistrationResult, error) {
	return &domain.RegistrationResult{Platform: domain.PlatformWebchat, Skipped: true, At: time.Now()}, nil
}

func (w *Webchat) Send(ctx context.Context, conversationID string, content string) (*domain.SendResult, error) {
	msg := domain.Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		Content:        content,
		Sender:         w.sender,
		Timestamp:      time.Now(),
		Platform:       domain.PlatformWebchat,
		Type:           domain.MessageText,
		IsRead:         true,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, &domain.SendError{Platform: domain.PlatformWebchat, Target: conversationID, Err: err}
	}
	frame := domain.Frame{Type: domain.FrameMessage, Platform: domain.PlatformWebchat, Payload: payload}
	if err := w.out.WriteFrame(ctx, frame); err != nil {
		return nil, &domain.SendError{Platform: domain.PlatformWebchat, Target: conversationID, Err: err}
	}
	return &domain.SendResult{MessageID: msg.ID, From: w.sender}, nil
}

// Normalize accepts a canonical Message and fills in whatever the backend left out.
func (w *Webchat) Normalize(raw []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &domain.ParseError{Platform: domain.PlatformWebchat, Err: err}
	}
	if msg.ConversationID == "" {
		msg.ConversationID = msg.Sender
	}
	if msg.ConversationID == "" {
		return nil, &domain.ParseError{Platform: domain.PlatformWebchat, Err: ErrNoConversation}
	}
	msg.Platform = domain.PlatformWebchat
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Type == "" {
		msg.Type = domain.MessageText
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return &msg, nil
}
