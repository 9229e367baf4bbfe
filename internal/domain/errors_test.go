package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationError_AsThroughWrap(t *testing.T) {
	base := &RegistrationError{Platform: PlatformWhatsApp, StatusCode: 400, Body: `{"error":"bad"}`}
	wrapped := fmt.Errorf("register webhook: %w", base)

	var regErr *RegistrationError
	require.True(t, errors.As(wrapped, &regErr))
	assert.Equal(t, 400, regErr.StatusCode)
	assert.Contains(t, wrapped.Error(), `{"error":"bad"}`)
	assert.Contains(t, wrapped.Error(), "HTTP 400")
}

func TestSendError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &SendError{Platform: PlatformTelegram, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "telegram send: dial tcp: refused", err.Error())
}

func TestRoutingError_Message(t *testing.T) {
	assert.Equal(t, "no route for conversation c1", (&RoutingError{ConversationID: "c1"}).Error())
	assert.Contains(t, (&RoutingError{ConversationID: "c1", Platform: PlatformEmail}).Error(), "no adapter")
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("instagram")
	require.NoError(t, err)
	assert.Equal(t, PlatformInstagram, p)

	_, err = ParsePlatform("fax")
	assert.Error(t, err)
}

func TestMessage_SetMeta(t *testing.T) {
	var m Message
	m.SetMeta("k", 1)
	assert.Equal(t, 1, m.Metadata["k"])
}
