package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

var instagramWebhookFields = []string{"messages", "messaging_postbacks", "messaging_optins"}

// Instagram implements domain.Adapter for Instagram Messaging (Messenger Platform).
// It mirrors WhatsApp but is keyed by page ID and requires a verify token to register.
type Instagram struct {
	apiClient
	cfg config.InstagramConfig
}

type InstagramAdapterConfig struct {
	Config config.InstagramConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewInstagram(cfg InstagramAdapterConfig) *Instagram {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = config.Defaults().Channels.Instagram.APIBase
	}
	return &Instagram{
		apiClient: apiClient{platform: domain.PlatformInstagram, client: cfg.Client, logger: cfg.Logger},
		cfg:       cfg.Config,
	}
}

func (ig *Instagram) Platform() domain.Platform { return domain.PlatformInstagram }

func (ig *Instagram) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegistrationResult, error) {
	pageID := firstNonEmpty(req.AccountID, ig.cfg.PageID)
	token := firstNonEmpty(req.AccessToken, ig.cfg.AccessToken)
	verify := firstNonEmpty(req.VerifyToken, ig.cfg.VerifyToken)
	if verify == "" {
		return nil, &domain.RegistrationError{Platform: domain.PlatformInstagram, Err: errors.New("verify_token is required")}
	}
	if req.WebhookURL == "" || pageID == "" || token == "" {
		return nil, &domain.RegistrationError{
			Platform: domain.PlatformInstagram,
			Err:      errors.New("webhook url, page id and access token are required"),
		}
	}

	payload := map[string]any{
		"object":       "instagram",
		"callback_url": req.WebhookURL,
		"fields":       instagramWebhookFields,
		"verify_token": verify,
	}
	url := fmt.Sprintf("%s/%s/subscriptions", ig.cfg.APIBase, pageID)
	resp, err := ig.register(ctx, url, token, payload, nil)
	if err != nil {
		return nil, err
	}

	ig.logger.Info("instagram webhook registered", "page_id", pageID, "url", req.WebhookURL)
	return &domain.RegistrationResult{
		Platform:   domain.PlatformInstagram,
		WebhookURL: req.WebhookURL,
		Response:   string(resp.body),
		At:         time.Now(),
	}, nil
}

// Send posts a text message to an Instagram-scoped user ID.
func (ig *Instagram) Send(ctx context.Context, recipient string, text string) (*domain.SendResult, error) {
	url := fmt.Sprintf("%s/%s/messages", ig.cfg.APIBase, ig.cfg.PageID)
	payload := map[string]any{
		"recipient": map[string]string{"id": recipient},
		"message":   map[string]string{"text": text},
	}

	var out struct {
		RecipientID string `json:"recipient_id"`
		MessageID   string `json:"message_id"`
	}
	resp, err := ig.send(ctx, recipient, url, ig.cfg.AccessToken, payload, &out)
	if err != nil {
		return nil, err
	}
	return &domain.SendResult{MessageID: out.MessageID, From: ig.cfg.PageID, Response: string(resp.body)}, nil
}

func (ig *Instagram) Normalize(raw []byte) (*domain.Message, error) {
	msgs, err := ig.NormalizeAll(raw)
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// NormalizeAll accepts {"entry":[{"messaging":[...]}]} and a bare {"messaging":[...]}.
func (ig *Instagram) NormalizeAll(raw []byte) ([]*domain.Message, error) {
	var payload struct {
		Object    string            `json:"object"`
		Entry     []igEntry         `json:"entry"`
		Messaging []json.RawMessage `json:"messaging"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &domain.ParseError{Platform: domain.PlatformInstagram, Err: err}
	}

	events := payload.Messaging
	for _, e := range payload.Entry {
		events = append(events, e.Messaging...)
	}

	var out []*domain.Message
	for _, ev := range events {
		if msg, ok := normalizeIGEvent(ev); ok {
			out = append(out, msg)
		}
	}
	return routable(domain.PlatformInstagram, out)
}

// --- Instagram webhook payload types ---

type igEntry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

type igEvent struct {
	Sender    igID       `json:"sender"`
	Recipient igID       `json:"recipient"`
	Timestamp int64      `json:"timestamp"` // milliseconds
	Message   *igMessage `json:"message,omitempty"`
	Postback  *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback,omitempty"`
}

type igID struct {
	ID string `json:"id"`
}

type igMessage struct {
	Mid         string `json:"mid"`
	Text        string `json:"text"`
	IsEcho      bool   `json:"is_echo,omitempty"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments,omitempty"`
}

func normalizeIGEvent(raw json.RawMessage) (*domain.Message, bool) {
	var ev igEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false
	}
	if ev.Message == nil && ev.Postback == nil {
		return nil, false
	}

	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.UnixMilli(ev.Timestamp)
	}
	msg := &domain.Message{
		ConversationID: ev.Sender.ID,
		Sender:         ev.Sender.ID,
		Timestamp:      ts,
		Platform:       domain.PlatformInstagram,
		Type:           domain.MessageText,
	}
	if ev.Recipient.ID != "" {
		msg.SetMeta("recipientId", ev.Recipient.ID)
	}

	switch {
	case ev.Message != nil:
		m := ev.Message
		msg.ID = m.Mid
		msg.Content = m.Text
		if m.Text == "" && len(m.Attachments) > 0 {
			msg.Type = mediaType(m.Attachments[0].Type)
			msg.Content = m.Attachments[0].Payload.URL
			if len(m.Attachments) > 1 {
				msg.SetMeta("attachmentCount", len(m.Attachments))
			}
		}
		if m.IsEcho {
			// Echoes of our own sends: the conversation is the recipient.
			msg.ConversationID = ev.Recipient.ID
			msg.IsRead = true
			msg.SetMeta("echo", true)
		}
	case ev.Postback != nil:
		msg.Content = ev.Postback.Payload
		msg.SetMeta("postbackTitle", ev.Postback.Title)
	}
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	mergeMeta(msg, unknownFields(raw, "sender", "recipient", "timestamp", "message", "postback"))
	return msg, true
}
