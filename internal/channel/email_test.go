package channel

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmail_RegisterIsSkipped(t *testing.T) {
	fp, srv := newFakeProvider(t, http.StatusOK, `{}`)
	e := NewEmail(EmailAdapterConfig{
		Config: config.EmailConfig{Endpoint: srv.URL},
		Client: SharedHTTPClient(time.Second),
		Logger: testLogger(),
	})

	res, err := e.Register(context.Background(), domain.RegisterRequest{WebhookURL: "https://hooks.example/mail"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, fp.calls())
}

func TestEmail_Send(t *testing.T) {
	fp, srv := newFakeProvider(t, http.StatusOK, `{"messageId":"mail-1"}`)
	e := NewEmail(EmailAdapterConfig{
		Config: config.EmailConfig{Endpoint: srv.URL + "/", From: "bot@example.com", Subject: "New message", APIKey: "k"},
		Client: SharedHTTPClient(time.Second),
		Logger: testLogger(),
	})

	res, err := e.Send(context.Background(), "ana@example.com", "hello")
	require.NoError(t, err)
	assert.Equal(t, "mail-1", res.MessageID)

	calls := fp.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/send-email", calls[0].Path)
	assert.Equal(t, "Bearer k", calls[0].Auth)
	assert.Equal(t, "ana@example.com", calls[0].Body["to"])
	assert.Equal(t, "New message", calls[0].Body["subject"])
}

func TestEmail_NormalizeUnsupported(t *testing.T) {
	e := NewEmail(EmailAdapterConfig{Logger: testLogger()})
	_, err := e.Normalize([]byte(`{}`))

	var parseErr *domain.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.ErrorIs(t, err, ErrInboundUnsupported)
}
