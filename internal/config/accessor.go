package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GetByPath retrieves a config value by dot-notation path (e.g. "transport.maxAttempts").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		current, ok = node[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return current, nil
}

// Sanitize returns a copy of the config with credentials masked, safe to print.
func Sanitize(cfg *Config) *Config {
	cp := *cfg
	ch := &cp.Channels
	ch.WhatsApp.AccessToken = maskString(ch.WhatsApp.AccessToken)
	ch.Instagram.AccessToken = maskString(ch.Instagram.AccessToken)
	ch.Instagram.VerifyToken = maskString(ch.Instagram.VerifyToken)
	ch.Telegram.Token = maskString(ch.Telegram.Token)
	ch.Email.APIKey = maskString(ch.Email.APIKey)
	cp.Webhook.AppSecret = maskString(cp.Webhook.AppSecret)
	cp.Webhook.SecretToken = maskString(cp.Webhook.SecretToken)
	cp.Webhook.VerifyToken = maskString(cp.Webhook.VerifyToken)
	return &cp
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path in dot notation, sorted.
func ListPaths(cfg *Config) []string {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	var paths []string
	flatten("", m, &paths)
	sort.Strings(paths)
	return paths
}

func flatten(prefix string, m map[string]any, out *[]string) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		*out = append(*out, path)
	}
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
