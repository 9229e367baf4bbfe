package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Transport: TransportConfig{
			BaseURL:             "ws://localhost:8000",
			MaxAttempts:         5,
			RetryDelaySeconds:   3,
			HandshakeTimeoutSec: 10,
			PingIntervalSeconds: 30,
			PongWaitSeconds:     60,
		},
		HTTP: HTTPConfig{
			TimeoutSeconds: 15,
		},
		Routing: RoutingConfig{
			MaxEntries:          10000,
			TTLMinutes:          24 * 60,
			DedupeWindowMinutes: 10,
			DedupeMaxEntries:    5000,
		},
		Bus: BusConfig{
			HistorySize: 1000,
		},
		Webhook: WebhookConfig{
			Enabled:    false,
			Host:       "127.0.0.1",
			Port:       8090,
			PathPrefix: "/webhook",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				APIBase: "https://graph.facebook.com/v18.0",
			},
			Instagram: InstagramConfig{
				APIBase: "https://graph.facebook.com/v18.0",
			},
			Telegram: TelegramConfig{
				APIBase:   "https://api.telegram.org",
				ParseMode: "HTML",
			},
			Email: EmailConfig{
				Subject: "New message",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
