// Package dispatch is the gateway's single entry point: it routes outbound
// sends to the adapter that owns a conversation and turns inbound provider
// payloads into new_message events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/routing"

	"github.com/google/uuid"
)

// Transport is the backend connection the dispatcher controls.
type Transport interface {
	Connect(userID string)
	Disconnect()
}

type Config struct {
	Registry  *channel.Registry
	Routes    *routing.Table
	Dedupe    *routing.Dedupe // optional
	Bus       *bus.EventBus
	Transport Transport // optional
	Logger    *slog.Logger
}

type Dispatcher struct {
	registry  *channel.Registry
	routes    *routing.Table
	dedupe    *routing.Dedupe
	bus       *bus.EventBus
	transport Transport
	logger    *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = channel.NewRegistry()
	}
	if cfg.Routes == nil {
		cfg.Routes = routing.NewTable(routing.TableConfig{Logger: cfg.Logger})
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewEventBus(cfg.Logger, 0)
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		routes:    cfg.Routes,
		dedupe:    cfg.Dedupe,
		bus:       cfg.Bus,
		transport: cfg.Transport,
		logger:    cfg.Logger,
	}
}

// SendMessage delivers content to the platform that last carried conversationID.
// An unknown conversation fails with a RoutingError before any network call.
// On success a message_sent event is published and the sent message returned.
func (d *Dispatcher) SendMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	route, ok := d.routes.Lookup(conversationID)
	if !ok {
		metrics.RoutingErrors.With("").Inc()
		return nil, &domain.RoutingError{ConversationID: conversationID}
	}
	adapter, ok := d.registry.Get(route.Platform)
	if !ok {
		metrics.RoutingErrors.With(string(route.Platform)).Inc()
		return nil, &domain.RoutingError{ConversationID: conversationID, Platform: route.Platform}
	}

	res, err := adapter.Send(ctx, route.Target, content)
	if err != nil {
		metrics.SendErrors.With(string(route.Platform)).Inc()
		d.logger.Warn("send failed", "platform", route.Platform, "conversation", conversationID, "err", err)
		return nil, err
	}

	msg := domain.Message{
		ID:             res.MessageID,
		ConversationID: conversationID,
		Content:        content,
		Sender:         res.From,
		Timestamp:      time.Now(),
		Platform:       route.Platform,
		Type:           domain.MessageText,
		IsRead:         true,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	route.UpdatedAt = msg.Timestamp
	d.routes.Put(ctx, route)

	metrics.OutboundTotal.With(string(route.Platform)).Inc()
	d.logger.Debug("message sent", "platform", route.Platform, "conversation", conversationID, "id", msg.ID)
	d.bus.Emit(bus.MessageSent{Message: msg, ConversationID: conversationID})
	return &msg, nil
}

// HandleInbound normalizes a raw provider payload and publishes one new_message
// per message it carries. Replays of an already seen message are dropped.
func (d *Dispatcher) HandleInbound(ctx context.Context, platform domain.Platform, raw []byte) error {
	adapter, ok := d.registry.Get(platform)
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrNoAdapter, platform)
	}

	msgs, err := normalize(adapter, raw)
	if err != nil {
		if errors.Is(err, channel.ErrNoMessage) {
			d.logger.Debug("payload without message", "platform", platform)
			return err
		}
		metrics.ParseErrors.With(string(platform)).Inc()
		d.logger.Warn("normalize failed", "platform", platform, "err", err)
		return err
	}

	accepted := 0
	for _, m := range msgs {
		if m.ConversationID == "" {
			metrics.ParseErrors.With(string(platform)).Inc()
			d.logger.Warn("message without conversation dropped", "platform", platform, "id", m.ID)
			continue
		}
		d.accept(ctx, m)
		accepted++
	}
	if accepted == 0 {
		return &domain.ParseError{Platform: platform, Err: channel.ErrNoConversation}
	}
	return nil
}

func normalize(adapter domain.Adapter, raw []byte) ([]*domain.Message, error) {
	if b, ok := adapter.(channel.BatchNormalizer); ok {
		return b.NormalizeAll(raw)
	}
	m, err := adapter.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return []*domain.Message{m}, nil
}

func (d *Dispatcher) accept(ctx context.Context, m *domain.Message) {
	if d.dedupe != nil && d.dedupe.CheckAndMark(string(m.Platform)+":"+m.ConversationID+":"+m.ID) {
		metrics.InboundDuplicates.With(string(m.Platform)).Inc()
		d.logger.Debug("duplicate message dropped", "platform", m.Platform, "id", m.ID)
		return
	}

	d.routes.Put(ctx, routing.Route{
		ConversationID: m.ConversationID,
		Platform:       m.Platform,
		Target:         m.ConversationID,
	})
	metrics.Routes.Set(int64(d.routes.Len()))
	metrics.InboundTotal.With(string(m.Platform)).Inc()

	d.logger.Debug("message received", "platform", m.Platform, "conversation", m.ConversationID, "id", m.ID)
	d.bus.Emit(bus.NewMessage{Message: *m, ConversationID: m.ConversationID})
}

// HandleFrame consumes one frame from the backend transport.
func (d *Dispatcher) HandleFrame(ctx context.Context, f domain.Frame) {
	var err error
	switch f.Type {
	case domain.FrameWebhook:
		err = d.HandleInbound(ctx, f.Platform, f.Payload)
	case domain.FrameMessage:
		if f.Platform != "" && f.Platform != domain.PlatformWebchat {
			err = &domain.ParseError{Platform: f.Platform, Err: errors.New("message frames carry webchat messages only")}
			metrics.ParseErrors.With(string(f.Platform)).Inc()
			break
		}
		err = d.HandleInbound(ctx, domain.PlatformWebchat, f.Payload)
	default:
		err = &domain.ParseError{Platform: f.Platform, Err: fmt.Errorf("unknown frame type %q", f.Type)}
		metrics.ParseErrors.With(string(f.Platform)).Inc()
	}

	if err != nil && !errors.Is(err, channel.ErrNoMessage) {
		d.logger.Warn("frame dropped", "type", f.Type, "platform", f.Platform, "err", err)
	}
}

// RegisterWebhook asks platform to push events to req.WebhookURL.
func (d *Dispatcher) RegisterWebhook(ctx context.Context, platform domain.Platform, req domain.RegisterRequest) (*domain.RegistrationResult, error) {
	adapter, ok := d.registry.Get(platform)
	if !ok {
		return nil, &domain.RegistrationError{Platform: platform, Err: channel.ErrNoAdapter}
	}

	res, err := adapter.Register(ctx, req)
	if err != nil {
		d.logger.Error("webhook registration failed", "platform", platform, "err", err)
		return nil, err
	}
	if res.Skipped {
		d.logger.Info("webhook registration skipped", "platform", platform)
	} else {
		metrics.Registrations.With(string(platform)).Inc()
	}
	return res, nil
}

// On subscribes to a gateway event; see the bus package for event names.
func (d *Dispatcher) On(name string, h bus.Handler) bus.Subscription {
	return d.bus.On(name, h)
}

func (d *Dispatcher) Off(sub bus.Subscription) {
	d.bus.Off(sub)
}

// Bus exposes the event bus for typed subscriptions and streams.
func (d *Dispatcher) Bus() *bus.EventBus {
	return d.bus
}

func (d *Dispatcher) Connect(userID string) {
	if d.transport != nil {
		d.transport.Connect(userID)
	}
}

func (d *Dispatcher) Disconnect() {
	if d.transport != nil {
		d.transport.Disconnect()
	}
}

// Conversation reports which platform a conversation is routed to.
func (d *Dispatcher) Conversation(id string) (routing.Route, bool) {
	return d.routes.Lookup(id)
}
