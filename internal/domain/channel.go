package domain

import (
	"context"
	"time"
)

// Adapter is implemented by every chat provider integration (WhatsApp, Telegram, ...).
// Register and Send perform network I/O and are never retried by the gateway;
// the caller decides whether to try again.
type Adapter interface {
	Platform() Platform
	Register(ctx context.Context, req RegisterRequest) (*RegistrationResult, error)
	Send(ctx context.Context, target string, content string) (*SendResult, error)
	Normalize(raw []byte) (*Message, error)
}

// RegisterRequest tells a provider where to push future events.
// Credentials left empty fall back to the adapter's configured values.
type RegisterRequest struct {
	WebhookURL  string            `json:"webhookUrl"`
	AccessToken string            `json:"accessToken,omitempty"`
	AccountID   string            `json:"accountId,omitempty"` // phone number ID, page ID; unused by Telegram
	VerifyToken string            `json:"verifyToken,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// RegistrationResult is the outcome of a successful webhook registration.
type RegistrationResult struct {
	Platform   Platform  `json:"platform"`
	WebhookURL string    `json:"webhookUrl"`
	Skipped    bool      `json:"skipped,omitempty"` // provider has no webhook concept
	Response   string    `json:"response,omitempty"`
	At         time.Time `json:"at"`
}

// SendResult is what a provider reported back for an outbound message.
type SendResult struct {
	MessageID string `json:"messageId"`
	From      string `json:"from,omitempty"` // sending account: phone number ID, page ID, bot, address
	Response  string `json:"response,omitempty"`
}
