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

// whatsappWebhookFields are the change fields the gateway subscribes to.
var whatsappWebhookFields = []string{"messages", "message_deliveries", "message_reads"}

// WhatsApp implements domain.Adapter for the WhatsApp Business Cloud API.
type WhatsApp struct {
	apiClient
	cfg config.WhatsAppConfig
}

type WhatsAppAdapterConfig struct {
	Config config.WhatsAppConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewWhatsApp(cfg WhatsAppAdapterConfig) *WhatsApp {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = config.Defaults().Channels.WhatsApp.APIBase
	}
	return &WhatsApp{
		apiClient: apiClient{platform: domain.PlatformWhatsApp, client: cfg.Client, logger: cfg.Logger},
		cfg:       cfg.Config,
	}
}

func (w *WhatsApp) Platform() domain.Platform { return domain.PlatformWhatsApp }

// Register subscribes the phone number's webhook to message, delivery and read events.
func (w *WhatsApp) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegistrationResult, error) {
	phoneID := firstNonEmpty(req.AccountID, w.cfg.PhoneNumberID)
	token := firstNonEmpty(req.AccessToken, w.cfg.AccessToken)
	if req.WebhookURL == "" || phoneID == "" || token == "" {
		return nil, &domain.RegistrationError{
			Platform: domain.PlatformWhatsApp,
			Err:      errors.New("webhook url, phone number id and access token are required"),
		}
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"webhooks": map[string]any{
			"url":    req.WebhookURL,
			"fields": whatsappWebhookFields,
		},
	}
	resp, err := w.register(ctx, fmt.Sprintf("%s/%s", w.cfg.APIBase, phoneID), token, payload, nil)
	if err != nil {
		return nil, err
	}

	w.logger.Info("whatsapp webhook registered", "phone_number_id", phoneID, "url", req.WebhookURL)
	return &domain.RegistrationResult{
		Platform:   domain.PlatformWhatsApp,
		WebhookURL: req.WebhookURL,
		Response:   string(resp.body),
		At:         time.Now(),
	}, nil
}

// Send posts a text message to a wa_id.
func (w *WhatsApp) Send(ctx context.Context, to string, text string) (*domain.SendResult, error) {
	url := fmt.Sprintf("%s/%s/messages", w.cfg.APIBase, w.cfg.PhoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	resp, err := w.send(ctx, to, url, w.cfg.AccessToken, payload, &out)
	if err != nil {
		return nil, err
	}

	res := &domain.SendResult{From: w.cfg.PhoneNumberID, Response: string(resp.body)}
	if len(out.Messages) > 0 {
		res.MessageID = out.Messages[0].ID
	}
	return res, nil
}

// Normalize returns the first message of a webhook payload.
func (w *WhatsApp) Normalize(raw []byte) (*domain.Message, error) {
	msgs, err := w.NormalizeAll(raw)
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// NormalizeAll accepts both the full Meta envelope (entry[].changes[].value)
// and a bare change value ({"messages":[...]}).
func (w *WhatsApp) NormalizeAll(raw []byte) ([]*domain.Message, error) {
	var payload struct {
		Object string    `json:"object"`
		Entry  []waEntry `json:"entry"`
		waValue
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &domain.ParseError{Platform: domain.PlatformWhatsApp, Err: err}
	}

	values := []waValue{payload.waValue}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			values = append(values, change.Value)
		}
	}

	var out []*domain.Message
	for _, v := range values {
		for _, m := range v.Messages {
			out = append(out, v.normalize(m))
		}
	}
	return routable(domain.PlatformWhatsApp, out)
}

// --- WhatsApp webhook payload types ---

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         *waMetadata       `json:"metadata,omitempty"`
	Contacts         []waContact       `json:"contacts,omitempty"`
	Messages         []json.RawMessage `json:"messages"`
}

type waMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string          `json:"from"`
	ID        string          `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Type      string          `json:"type"`
	Text      *waText         `json:"text,omitempty"`
	Image     *waMedia        `json:"image,omitempty"`
	Audio     *waMedia        `json:"audio,omitempty"`
	Voice     *waMedia        `json:"voice,omitempty"`
	Video     *waMedia        `json:"video,omitempty"`
	Document  *waMedia        `json:"document,omitempty"`
	Sticker   *waMedia        `json:"sticker,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	Link     string `json:"link,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

var waKnownFields = []string{"from", "id", "timestamp", "type", "text",
	"image", "audio", "voice", "video", "document", "sticker"}

func (v waValue) normalize(raw json.RawMessage) *domain.Message {
	var m waMessage
	// Fields that fail to decode stay zero; the raw object still lands in metadata.
	_ = json.Unmarshal(raw, &m)

	msg := &domain.Message{
		ID:             firstNonEmpty(m.ID, newMessageID()),
		ConversationID: m.From,
		Sender:         m.From,
		Timestamp:      unixSeconds(m.Timestamp),
		Platform:       domain.PlatformWhatsApp,
		Type:           domain.MessageText,
	}
	switch {
	case m.Text != nil:
		msg.Content = m.Text.Body
	default:
		kind, media := m.media()
		if media != nil {
			msg.Type = mediaType(kind)
			msg.Content = firstNonEmpty(media.Link, media.ID)
			if media.Caption != "" {
				msg.SetMeta("caption", media.Caption)
			}
			if media.MimeType != "" {
				msg.SetMeta("mimeType", media.MimeType)
			}
			if media.Filename != "" {
				msg.SetMeta("filename", media.Filename)
			}
		} else if m.Type != "" && m.Type != "text" {
			msg.SetMeta("type", m.Type)
		}
	}

	for _, c := range v.Contacts {
		if c.WaID == m.From && c.Profile.Name != "" {
			msg.SetMeta("senderName", c.Profile.Name)
		}
	}
	if v.Metadata != nil && v.Metadata.PhoneNumberID != "" {
		msg.SetMeta("phoneNumberId", v.Metadata.PhoneNumberID)
	}
	mergeMeta(msg, unknownFields(raw, waKnownFields...))
	return msg
}

func (m waMessage) media() (string, *waMedia) {
	switch {
	case m.Image != nil:
		return "image", m.Image
	case m.Sticker != nil:
		return "sticker", m.Sticker
	case m.Audio != nil:
		return "audio", m.Audio
	case m.Voice != nil:
		return "voice", m.Voice
	case m.Video != nil:
		return "video", m.Video
	case m.Document != nil:
		return "document", m.Document
	}
	return "", nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
