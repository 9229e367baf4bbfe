package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

const maxWebhookBody = 1 << 20 // 1MB

// InboundHandler consumes raw provider payloads.
type InboundHandler interface {
	HandleInbound(ctx context.Context, platform domain.Platform, raw []byte) error
}

// WebhookConfig configures the webhook receiver.
type WebhookConfig struct {
	Addr        string
	PathPrefix  string // default: /webhook
	AppSecret   string // Meta app secret for X-Hub-Signature-256 (WhatsApp, Instagram)
	SecretToken string // Telegram X-Telegram-Bot-Api-Secret-Token
	VerifyToken string // hub.verify_token for the Meta subscription challenge
	Logger      *slog.Logger
}

// Webhook is the HTTP endpoint providers push events to:
//
//	GET  {prefix}/{platform}  Meta subscription challenge
//	POST {prefix}/{platform}  provider payload
type Webhook struct {
	cfg     WebhookConfig
	handler InboundHandler
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
}

func NewWebhook(cfg WebhookConfig, handler InboundHandler) *Webhook {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/webhook"
	}
	cfg.PathPrefix = "/" + strings.Trim(cfg.PathPrefix, "/")
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8090"
	}

	w := &Webhook{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		mux:     http.NewServeMux(),
	}
	w.mux.HandleFunc("GET "+cfg.PathPrefix+"/{platform}", w.handleVerification)
	w.mux.HandleFunc("POST "+cfg.PathPrefix+"/{platform}", w.handleIncoming)
	w.mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, "ok")
	})
	return w
}

// Handle mounts an extra handler (metrics, status) on the webhook server.
func (w *Webhook) Handle(pattern string, h http.Handler) {
	w.mux.Handle(pattern, h)
}

// Handler returns the HTTP handler (to be mounted on another mux or used in tests).
func (w *Webhook) Handler() http.Handler {
	return w.mux
}

// Start serves until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.cfg.Addr,
		Handler:           w.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "addr", w.cfg.Addr, "prefix", w.cfg.PathPrefix)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// handleVerification answers the Meta hub.challenge handshake.
func (w *Webhook) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if w.cfg.VerifyToken != "" && mode == "subscribe" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(w.cfg.VerifyToken)) == 1 {
		w.logger.Info("webhook verified", "platform", r.PathValue("platform"))
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(q.Get("hub.challenge")))
		return
	}

	w.logger.Warn("webhook verification failed", "platform", r.PathValue("platform"), "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *Webhook) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	platform, err := domain.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		http.Error(rw, "Not Found", http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.logger.Warn("webhook body too large", "platform", platform, "limit", tooLarge.Limit)
			http.Error(rw, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	switch platform {
	case domain.PlatformWhatsApp, domain.PlatformInstagram:
		if w.cfg.AppSecret != "" {
			sig := r.Header.Get("X-Hub-Signature-256")
			if sig == "" {
				http.Error(rw, "Missing signature", http.StatusUnauthorized)
				return
			}
			if !verifyHMAC(body, w.cfg.AppSecret, sig) {
				w.logger.Warn("webhook invalid signature", "platform", platform)
				http.Error(rw, "Invalid signature", http.StatusForbidden)
				return
			}
		}
	case domain.PlatformTelegram:
		if w.cfg.SecretToken != "" {
			got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(w.cfg.SecretToken)) != 1 {
				http.Error(rw, "Invalid secret token", http.StatusForbidden)
				return
			}
		}
	}

	err = w.handler.HandleInbound(r.Context(), platform, body)
	var parseErr *domain.ParseError
	switch {
	case err == nil, errors.Is(err, ErrNoMessage):
	case errors.Is(err, ErrNoAdapter):
		http.Error(rw, "Not Found", http.StatusNotFound)
		return
	case errors.As(err, &parseErr):
		http.Error(rw, "Invalid payload", http.StatusBadRequest)
		return
	default:
		w.logger.Error("webhook handling failed", "platform", platform, "err", err)
		http.Error(rw, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body ("sha256=<hex>").
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
