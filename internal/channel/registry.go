package channel

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

// ErrNoAdapter is returned for a platform with no adapter configured.
var ErrNoAdapter = errors.New("no adapter for platform")

// BatchNormalizer is implemented by adapters whose webhooks can batch several messages.
type BatchNormalizer interface {
	NormalizeAll(raw []byte) ([]*domain.Message, error)
}

// Registry maps platforms to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Platform]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Platform]domain.Adapter)}
	for _, a := range adapters {
		r.Add(a)
	}
	return r
}

// Add registers a, replacing any adapter for the same platform.
func (r *Registry) Add(a domain.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

func (r *Registry) Get(p domain.Platform) (domain.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FromConfig builds the provider adapters enabled in cfg, sharing one HTTP client.
// Webchat needs the live transport and is added by the caller.
func FromConfig(cfg config.ChannelsConfig, client *http.Client, logger *slog.Logger) *Registry {
	r := NewRegistry()
	if cfg.WhatsApp.Enabled {
		r.Add(NewWhatsApp(WhatsAppAdapterConfig{Config: cfg.WhatsApp, Client: client, Logger: logger}))
	}
	if cfg.Instagram.Enabled {
		r.Add(NewInstagram(InstagramAdapterConfig{Config: cfg.Instagram, Client: client, Logger: logger}))
	}
	if cfg.Telegram.Enabled {
		r.Add(NewTelegram(TelegramAdapterConfig{Config: cfg.Telegram, Client: client, Logger: logger}))
	}
	if cfg.Email.Enabled {
		r.Add(NewEmail(EmailAdapterConfig{Config: cfg.Email, Client: client, Logger: logger}))
	}
	return r
}
