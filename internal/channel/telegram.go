package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var telegramAllowedUpdates = []string{"message", "callback_query"}

// Telegram implements domain.Adapter for the Telegram Bot API in webhook mode.
type Telegram struct {
	apiClient
	cfg config.TelegramConfig
}

type TelegramAdapterConfig struct {
	Config config.TelegramConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramAdapterConfig) *Telegram {
	if cfg.Config.APIBase == "" {
		cfg.Config.APIBase = config.Defaults().Channels.Telegram.APIBase
	}
	if cfg.Config.ParseMode == "" {
		cfg.Config.ParseMode = tgbotapi.ModeHTML
	}
	return &Telegram{
		apiClient: apiClient{platform: domain.PlatformTelegram, client: cfg.Client, logger: cfg.Logger},
		cfg:       cfg.Config,
	}
}

func (t *Telegram) Platform() domain.Platform { return domain.PlatformTelegram }

func (t *Telegram) endpoint(token, method string) string {
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(t.cfg.APIBase, "/"), token, method)
}

// Register points the bot's webhook at req.WebhookURL via setWebhook.
func (t *Telegram) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegistrationResult, error) {
	token := firstNonEmpty(req.AccessToken, t.cfg.Token)
	if req.WebhookURL == "" || token == "" {
		return nil, &domain.RegistrationError{Platform: domain.PlatformTelegram, Err: errors.New("webhook url and bot token are required")}
	}

	payload := map[string]any{
		"url":             req.WebhookURL,
		"allowed_updates": telegramAllowedUpdates,
	}
	if secret := req.Extra["secretToken"]; secret != "" {
		payload["secret_token"] = secret
	}

	var out tgbotapi.APIResponse
	resp, err := t.register(ctx, t.endpoint(token, "setWebhook"), "", payload, &out)
	if err != nil {
		return nil, err
	}
	if !out.Ok {
		return nil, &domain.RegistrationError{Platform: domain.PlatformTelegram, StatusCode: resp.status, Body: string(resp.body)}
	}

	t.logger.Info("telegram webhook registered", "url", req.WebhookURL, "description", out.Description)
	return &domain.RegistrationResult{
		Platform:   domain.PlatformTelegram,
		WebhookURL: req.WebhookURL,
		Response:   string(resp.body),
		At:         time.Now(),
	}, nil
}

// Send calls sendMessage with HTML parse mode. chatID may be numeric or @channelusername.
func (t *Telegram) Send(ctx context.Context, chatID string, text string) (*domain.SendResult, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": t.cfg.ParseMode,
	}

	var out tgbotapi.APIResponse
	resp, err := t.send(ctx, chatID, t.endpoint(t.cfg.Token, "sendMessage"), "", payload, &out)
	if err != nil {
		return nil, err
	}
	if !out.Ok {
		return nil, &domain.SendError{Platform: domain.PlatformTelegram, Target: chatID, StatusCode: resp.status, Body: string(resp.body)}
	}

	res := &domain.SendResult{From: "bot", Response: string(resp.body)}
	var sent tgbotapi.Message
	if err := json.Unmarshal(out.Result, &sent); err == nil && sent.MessageID != 0 {
		res.MessageID = strconv.Itoa(sent.MessageID)
	}
	return res, nil
}

// Keys the Bot API types decode; anything else in a message object is kept
// as metadata.
var (
	tgMessageKeys  = jsonKeys(tgbotapi.Message{})
	tgCallbackKeys = jsonKeys(tgbotapi.CallbackQuery{})
)

// tgEnvelope holds the raw objects of an Update that Normalize reads.
type tgEnvelope struct {
	UpdateID      *int            `json:"update_id"`
	Message       json.RawMessage `json:"message"`
	EditedMessage json.RawMessage `json:"edited_message"`
	ChannelPost   json.RawMessage `json:"channel_post"`
	CallbackQuery json.RawMessage `json:"callback_query"`
}

// Normalize maps a Telegram Update (message, edited message, channel post or callback query).
func (t *Telegram) Normalize(raw []byte) (*domain.Message, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, &domain.ParseError{Platform: domain.PlatformTelegram, Err: err}
	}
	var env tgEnvelope
	_ = json.Unmarshal(raw, &env)

	var msg *domain.Message
	switch {
	case update.CallbackQuery != nil:
		msg = normalizeTGCallback(update.CallbackQuery)
		mergeMeta(msg, unknownFields(env.CallbackQuery, tgCallbackKeys...))
	case update.Message != nil:
		msg = normalizeTGMessage(update.Message)
		mergeMeta(msg, unknownFields(env.Message, tgMessageKeys...))
	case update.EditedMessage != nil:
		msg = normalizeTGMessage(update.EditedMessage)
		mergeMeta(msg, unknownFields(env.EditedMessage, tgMessageKeys...))
		msg.SetMeta("edited", true)
	case update.ChannelPost != nil:
		msg = normalizeTGMessage(update.ChannelPost)
		mergeMeta(msg, unknownFields(env.ChannelPost, tgMessageKeys...))
	default:
		return nil, &domain.ParseError{Platform: domain.PlatformTelegram, Err: ErrNoMessage}
	}

	if msg.ConversationID == "" {
		return nil, &domain.ParseError{Platform: domain.PlatformTelegram, Err: ErrNoConversation}
	}
	if env.UpdateID != nil {
		msg.SetMeta("updateId", *env.UpdateID)
	}
	return msg, nil
}

func normalizeTGCallback(cq *tgbotapi.CallbackQuery) *domain.Message {
	msg := &domain.Message{
		ID:        firstNonEmpty(cq.ID, newMessageID()),
		Content:   cq.Data,
		Timestamp: time.Now(),
		Platform:  domain.PlatformTelegram,
		Type:      domain.MessageText,
	}
	if cq.From != nil && cq.From.ID != 0 {
		msg.Sender = strconv.FormatInt(cq.From.ID, 10)
	}
	msg.ConversationID = msg.Sender
	if cq.Message != nil && cq.Message.Chat != nil && cq.Message.Chat.ID != 0 {
		msg.ConversationID = strconv.FormatInt(cq.Message.Chat.ID, 10)
	}
	msg.SetMeta("callbackQuery", true)
	return msg
}

func normalizeTGMessage(m *tgbotapi.Message) *domain.Message {
	msg := &domain.Message{
		Timestamp: time.Now(),
		Platform:  domain.PlatformTelegram,
		Type:      domain.MessageText,
		Content:   m.Text,
	}
	if m.MessageID != 0 {
		msg.ID = strconv.Itoa(m.MessageID)
	} else {
		msg.ID = newMessageID()
	}
	if m.Date > 0 {
		msg.Timestamp = time.Unix(int64(m.Date), 0)
	}
	if m.From != nil && m.From.ID != 0 {
		msg.Sender = strconv.FormatInt(m.From.ID, 10)
		if m.From.UserName != "" {
			msg.SetMeta("username", m.From.UserName)
		}
		if name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName); name != "" {
			msg.SetMeta("senderName", name)
		}
	}
	msg.ConversationID = msg.Sender
	if m.Chat != nil && m.Chat.ID != 0 {
		msg.ConversationID = strconv.FormatInt(m.Chat.ID, 10)
		msg.SetMeta("chatType", m.Chat.Type)
	}
	if msg.Sender == "" {
		msg.Sender = msg.ConversationID
	}

	if kind, fileID := telegramMedia(m); kind != "" {
		msg.Type = mediaType(kind)
		msg.Content = fileID
		if m.Caption != "" {
			msg.SetMeta("caption", m.Caption)
		}
	}
	return msg
}

func telegramMedia(m *tgbotapi.Message) (string, string) {
	switch {
	case len(m.Photo) > 0:
		// Sizes are ascending; the last one is the original.
		return "photo", m.Photo[len(m.Photo)-1].FileID
	case m.Voice != nil:
		return "voice", m.Voice.FileID
	case m.Audio != nil:
		return "audio", m.Audio.FileID
	case m.Video != nil:
		return "video", m.Video.FileID
	case m.Document != nil:
		return "document", m.Document.FileID
	case m.Sticker != nil:
		return "sticker", m.Sticker.FileID
	}
	return "", ""
}
