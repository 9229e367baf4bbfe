package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/routing"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the gateway setup",
		Long: `Verifies that the configuration, routing database, webhook port, backend
and enabled channels are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatrelay doctor v%s\n\n", version)

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatrelay init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if cfg.Routing.PersistPath != "" {
				if err := checkRoutingStore(cfg.Routing.PersistPath); err != nil {
					r.fail("Routing database", err.Error())
				} else {
					r.pass("Routing database", cfg.Routing.PersistPath)
				}
			} else {
				r.warn("Routing database", "not configured, routes are lost on restart")
			}

			if err := checkBackend(cfg.Transport.BaseURL); err != nil {
				r.warn("Backend", fmt.Sprintf("%s unreachable: %v", cfg.Transport.BaseURL, err))
			} else {
				r.pass("Backend", cfg.Transport.BaseURL)
			}
			if cfg.Transport.UserID == "" {
				r.warn("Backend user", "transport.userId empty, pass --user to gateway")
			}

			if cfg.Webhook.Enabled {
				addr := net.JoinHostPort(cfg.Webhook.Host, strconv.Itoa(cfg.Webhook.Port))
				if err := checkPort(addr); err != nil {
					r.warn("Webhook port", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					r.pass("Webhook port", addr+" available")
				}
				if cfg.Webhook.AppSecret == "" && (cfg.Channels.WhatsApp.Enabled || cfg.Channels.Instagram.Enabled) {
					r.warn("Webhook signature", "webhook.appSecret empty, Meta payloads are not verified")
				}
			}

			checkChannels(cfg.Channels, &r)

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

func checkChannels(ch config.ChannelsConfig, r *report) {
	enabled := 0
	credential := func(name string, on bool, missing string) {
		if !on {
			return
		}
		enabled++
		if missing != "" {
			r.fail("Channel: "+name, missing+" not set")
		} else {
			r.pass("Channel: "+name, "configured")
		}
	}

	credential("whatsapp", ch.WhatsApp.Enabled, missingField(
		"phoneNumberId", ch.WhatsApp.PhoneNumberID, "accessToken", ch.WhatsApp.AccessToken))
	credential("instagram", ch.Instagram.Enabled, missingField(
		"pageId", ch.Instagram.PageID, "accessToken", ch.Instagram.AccessToken, "verifyToken", ch.Instagram.VerifyToken))
	credential("telegram", ch.Telegram.Enabled, missingField("token", ch.Telegram.Token))
	credential("email", ch.Email.Enabled, missingField("endpoint", ch.Email.Endpoint, "from", ch.Email.From))

	if enabled == 0 {
		r.warn("Channels", "no provider channels enabled, only webchat will work")
	}
}

// missingField takes name/value pairs and returns the first name with an empty value.
func missingField(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return pairs[i]
		}
	}
	return ""
}

func checkRoutingStore(path string) error {
	store, err := routing.NewSQLiteStore(path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.Load(ctx, time.Time{}, 1); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	return nil
}

// checkBackend only opens a TCP connection; the WebSocket handshake needs a user id.
func checkBackend(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}
