package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

// ErrInboundUnsupported is returned by adapters that only ever send.
var ErrInboundUnsupported = errors.New("platform has no inbound normalization")

// Email forwards outbound messages to a mail relay. Delivery is push-only: there is
// no webhook to register and nothing inbound to normalize.
type Email struct {
	apiClient
	cfg config.EmailConfig
}

type EmailAdapterConfig struct {
	Config config.EmailConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewEmail(cfg EmailAdapterConfig) *Email {
	return &Email{
		apiClient: apiClient{platform: domain.PlatformEmail, client: cfg.Client, logger: cfg.Logger},
		cfg:       cfg.Config,
	}
}

func (e *Email) Platform() domain.Platform { return domain.PlatformEmail }

// Register is a no-op that reports Skipped; no network call is made.
func (e *Email) Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegistrationResult, error) {
	return &domain.RegistrationResult{
		Platform:   domain.PlatformEmail,
		WebhookURL: req.WebhookURL,
		Skipped:    true,
		At:         time.Now(),
	}, nil
}

func (e *Email) Send(ctx context.Context, to string, body string) (*domain.SendResult, error) {
	url := strings.TrimRight(e.cfg.Endpoint, "/") + "/api/send-email"
	payload := map[string]string{
		"to":      to,
		"from":    e.cfg.From,
		"subject": e.cfg.Subject,
		"body":    body,
	}

	var out struct {
		ID        string `json:"id"`
		MessageID string `json:"messageId"`
	}
	resp, err := e.send(ctx, to, url, e.cfg.APIKey, payload, &out)
	if err != nil {
		return nil, err
	}
	return &domain.SendResult{
		MessageID: firstNonEmpty(out.MessageID, out.ID),
		From:      e.cfg.From,
		Response:  string(resp.body),
	}, nil
}

func (e *Email) Normalize(raw []byte) (*domain.Message, error) {
	return nil, &domain.ParseError{Platform: domain.PlatformEmail, Err: ErrInboundUnsupported}
}
