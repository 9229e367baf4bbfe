package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/routing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter normalizes {"id","conv","text"} payloads and records sends.
type fakeAdapter struct {
	platform domain.Platform
	sendErr  error

	mu    sync.Mutex
	sends []string
}

func (a *fakeAdapter) Platform() domain.Platform { return a.platform }

func (a *fakeAdapter) Register(_ context.Context, req domain.RegisterRequest) (*domain.RegistrationResult, error) {
	return &domain.RegistrationResult{Platform: a.platform, WebhookURL: req.WebhookURL}, nil
}

func (a *fakeAdapter) Send(_ context.Context, target, content string) (*domain.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, target+"|"+content)
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	return &domain.SendResult{MessageID: "out-1", From: "bot"}, nil
}

func (a *fakeAdapter) Normalize(raw []byte) (*domain.Message, error) {
	var p struct {
		ID   string `json:"id"`
		Conv string `json:"conv"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &domain.ParseError{Platform: a.platform, Err: err}
	}
	if p.ID == "" && p.Conv == "" {
		return nil, &domain.ParseError{Platform: a.platform, Err: channel.ErrNoMessage}
	}
	return &domain.Message{ID: p.ID, ConversationID: p.Conv, Content: p.Text, Platform: a.platform, Type: domain.MessageText}, nil
}

func (a *fakeAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sends...)
}

type fakeTransport struct {
	connects    []string
	disconnects int
}

func (t *fakeTransport) Connect(userID string) { t.connects = append(t.connects, userID) }
func (t *fakeTransport) Disconnect()           { t.disconnects++ }

type fixture struct {
	d       *Dispatcher
	adapter *fakeAdapter
	bus     *bus.EventBus
	inbound []bus.NewMessage
	sent    []bus.MessageSent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		adapter: &fakeAdapter{platform: domain.PlatformTelegram},
		bus:     bus.NewEventBus(testLogger(), 0),
	}
	bus.Subscribe(f.bus, func(ev bus.NewMessage) { f.inbound = append(f.inbound, ev) })
	bus.Subscribe(f.bus, func(ev bus.MessageSent) { f.sent = append(f.sent, ev) })

	f.d = New(Config{
		Registry: channel.NewRegistry(f.adapter),
		Routes:   routing.NewTable(routing.TableConfig{Logger: testLogger()}),
		Dedupe:   routing.NewDedupe(time.Minute, 100),
		Bus:      f.bus,
		Logger:   testLogger(),
	})
	return f
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	f := newFixture(t)

	msg, err := f.d.SendMessage(context.Background(), "never-seen", "hello")
	assert.Nil(t, msg)

	var routeErr *domain.RoutingError
	require.True(t, errors.As(err, &routeErr))
	assert.Equal(t, "never-seen", routeErr.ConversationID)
	assert.Empty(t, f.adapter.sent())
	assert.Empty(t, f.sent)
}

func TestHandleInbound_PublishesAndRoutes(t *testing.T) {
	f := newFixture(t)

	err := f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{"id":"1","conv":"chat-9","text":"hi"}`))
	require.NoError(t, err)

	require.Len(t, f.inbound, 1)
	assert.Equal(t, "chat-9", f.inbound[0].ConversationID)
	assert.Equal(t, "hi", f.inbound[0].Message.Content)

	route, ok := f.d.Conversation("chat-9")
	require.True(t, ok)
	assert.Equal(t, domain.PlatformTelegram, route.Platform)
	assert.Equal(t, "chat-9", route.Target)
}

func TestSendMessage_AfterInbound(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{"id":"1","conv":"chat-9","text":"hi"}`)))

	msg, err := f.d.SendMessage(context.Background(), "chat-9", "hello back")
	require.NoError(t, err)
	assert.Equal(t, "out-1", msg.ID)
	assert.Equal(t, domain.PlatformTelegram, msg.Platform)
	assert.Equal(t, "bot", msg.Sender)
	assert.Equal(t, []string{"chat-9|hello back"}, f.adapter.sent())

	require.Len(t, f.sent, 1)
	assert.Equal(t, "chat-9", f.sent[0].ConversationID)
	assert.Equal(t, "hello back", f.sent[0].Message.Content)
}

func TestSendMessage_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.adapter.sendErr = &domain.SendError{Platform: domain.PlatformTelegram, StatusCode: 403, Body: "blocked"}
	require.NoError(t, f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{"id":"1","conv":"c","text":"hi"}`)))

	_, err := f.d.SendMessage(context.Background(), "c", "x")
	var sendErr *domain.SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "blocked", sendErr.Body)
	assert.Empty(t, f.sent, "no message_sent on failure")
}

func TestSendMessage_PlatformWithoutAdapter(t *testing.T) {
	f := newFixture(t)
	f.d.routes.Put(context.Background(), routing.Route{ConversationID: "c", Platform: domain.PlatformEmail})

	_, err := f.d.SendMessage(context.Background(), "c", "x")
	var routeErr *domain.RoutingError
	require.True(t, errors.As(err, &routeErr))
	assert.Equal(t, domain.PlatformEmail, routeErr.Platform)
}

func TestHandleInbound_DropsReplays(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"id":"42","conv":"c","text":"once"}`)

	require.NoError(t, f.d.HandleInbound(context.Background(), domain.PlatformTelegram, raw))
	require.NoError(t, f.d.HandleInbound(context.Background(), domain.PlatformTelegram, raw))

	assert.Len(t, f.inbound, 1)
}

func TestHandleInbound_Errors(t *testing.T) {
	f := newFixture(t)

	err := f.d.HandleInbound(context.Background(), domain.PlatformInstagram, []byte(`{}`))
	assert.ErrorIs(t, err, channel.ErrNoAdapter)

	err = f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{bad`))
	var parseErr *domain.ParseError
	assert.True(t, errors.As(err, &parseErr))

	err = f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{}`))
	assert.ErrorIs(t, err, channel.ErrNoMessage)

	assert.Empty(t, f.inbound)
}

func TestHandleInbound_RejectsMessageWithoutConversation(t *testing.T) {
	f := newFixture(t)
	parseErrors := metrics.ParseErrors.With("telegram").Value()

	err := f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{"id":"7","text":"orphan"}`))

	var parseErr *domain.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, domain.PlatformTelegram, parseErr.Platform)
	assert.ErrorIs(t, err, channel.ErrNoConversation)
	assert.Empty(t, f.inbound)
	assert.Zero(t, f.d.routes.Len(), "no route under an empty key")
	assert.Equal(t, parseErrors+1, metrics.ParseErrors.With("telegram").Value())
}

func TestMessageCountsArePerPlatform(t *testing.T) {
	f := newFixture(t)
	inbound := metrics.InboundTotal.With("telegram").Value()
	outbound := metrics.OutboundTotal.With("telegram").Value()
	otherInbound := metrics.InboundTotal.With("whatsapp").Value()

	require.NoError(t, f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{"id":"m-1","conv":"per-platform","text":"hi"}`)))
	_, err := f.d.SendMessage(context.Background(), "per-platform", "reply")
	require.NoError(t, err)

	assert.Equal(t, inbound+1, metrics.InboundTotal.With("telegram").Value())
	assert.Equal(t, outbound+1, metrics.OutboundTotal.With("telegram").Value())
	assert.Equal(t, otherInbound, metrics.InboundTotal.With("whatsapp").Value())
}

func TestHandleFrame(t *testing.T) {
	f := newFixture(t)
	f.d.registry.Add(channel.NewWebchat(nil, ""))

	f.d.HandleFrame(context.Background(), domain.Frame{
		Type:     domain.FrameWebhook,
		Platform: domain.PlatformTelegram,
		Payload:  json.RawMessage(`{"id":"1","conv":"tg-1","text":"from telegram"}`),
	})
	f.d.HandleFrame(context.Background(), domain.Frame{
		Type:     domain.FrameMessage,
		Platform: domain.PlatformWebchat,
		Payload:  json.RawMessage(`{"id":"w1","conversationId":"visitor-1","content":"from widget","sender":"visitor-1"}`),
	})
	f.d.HandleFrame(context.Background(), domain.Frame{Type: "typing", Platform: domain.PlatformWebchat})
	f.d.HandleFrame(context.Background(), domain.Frame{Type: domain.FrameMessage, Platform: domain.PlatformTelegram, Payload: json.RawMessage(`{}`)})

	require.Len(t, f.inbound, 2)
	assert.Equal(t, domain.PlatformTelegram, f.inbound[0].Message.Platform)
	assert.Equal(t, domain.PlatformWebchat, f.inbound[1].Message.Platform)
	assert.Equal(t, "visitor-1", f.inbound[1].ConversationID)
}

func TestOnOff(t *testing.T) {
	f := newFixture(t)
	var calls int
	sub := f.d.On(bus.EventNewMessage, func(bus.Event) { calls++ })
	f.d.Off(sub)

	require.NoError(t, f.d.HandleInbound(context.Background(), domain.PlatformTelegram, []byte(`{"id":"1","conv":"c"}`)))
	assert.Zero(t, calls)
	assert.Len(t, f.inbound, 1, "other subscribers are unaffected")
}

func TestConnectDisconnectForwarded(t *testing.T) {
	tr := &fakeTransport{}
	d := New(Config{Transport: tr, Logger: testLogger()})

	d.Connect("user-1")
	d.Disconnect()

	assert.Equal(t, []string{"user-1"}, tr.connects)
	assert.Equal(t, 1, tr.disconnects)
}

func TestRegisterWebhook(t *testing.T) {
	f := newFixture(t)

	res, err := f.d.RegisterWebhook(context.Background(), domain.PlatformTelegram, domain.RegisterRequest{WebhookURL: "https://hooks.example/tg"})
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example/tg", res.WebhookURL)

	_, err = f.d.RegisterWebhook(context.Background(), domain.PlatformWhatsApp, domain.RegisterRequest{})
	var regErr *domain.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.ErrorIs(t, err, channel.ErrNoAdapter)
}

// The remaining tests drive real adapters against a local provider.

func countingProvider(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRegisterWebhook_ProviderRejects(t *testing.T) {
	body := `{"error":{"message":"(#100) Invalid parameter","type":"OAuthException"}}`
	srv, hits := countingProvider(t, http.StatusBadRequest, body)

	wa := channel.NewWhatsApp(channel.WhatsAppAdapterConfig{
		Config: config.WhatsAppConfig{APIBase: srv.URL, PhoneNumberID: "1", AccessToken: "t"},
		Client: channel.SharedHTTPClient(5 * time.Second),
		Logger: testLogger(),
	})
	d := New(Config{Registry: channel.NewRegistry(wa), Logger: testLogger()})

	_, err := d.RegisterWebhook(context.Background(), domain.PlatformWhatsApp, domain.RegisterRequest{WebhookURL: "https://hooks.example/wa"})

	var regErr *domain.RegistrationError
	require.True(t, errors.As(err, &regErr), "got %T", err)
	assert.Equal(t, body, regErr.Body)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTelegramRoundTrip(t *testing.T) {
	srv, hits := countingProvider(t, http.StatusOK, `{"ok":true,"result":{"message_id":501,"date":1700000000,"chat":{"id":99,"type":"private"}}}`)

	tg := channel.NewTelegram(channel.TelegramAdapterConfig{
		Config: config.TelegramConfig{APIBase: srv.URL, Token: "t"},
		Client: channel.SharedHTTPClient(5 * time.Second),
		Logger: testLogger(),
	})
	d := New(Config{Registry: channel.NewRegistry(tg), Logger: testLogger()})

	_, err := d.SendMessage(context.Background(), "99", "too early")
	var routeErr *domain.RoutingError
	require.True(t, errors.As(err, &routeErr))
	assert.Zero(t, hits.Load(), "unknown conversations make no network call")

	require.NoError(t, d.HandleInbound(context.Background(), domain.PlatformTelegram,
		[]byte(`{"update_id":1,"message":{"message_id":42,"from":{"id":99},"text":"hi","date":1700000000}}`)))

	msg, err := d.SendMessage(context.Background(), "99", "hello")
	require.NoError(t, err)
	assert.Equal(t, "501", msg.ID)
	assert.Equal(t, int32(1), hits.Load())
}
