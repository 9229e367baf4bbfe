package domain

import (
	"fmt"
	"strings"
)

// ConnectionError reports a transport that failed to open or closed unexpectedly.
// It is recovered by the reconnect loop and only ever surfaces as an event.
type ConnectionError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("connection %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
	}
	return fmt.Sprintf("connection %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RegistrationError carries the provider's raw response when a webhook subscription is rejected.
type RegistrationError struct {
	Platform   Platform
	StatusCode int
	Body       string
	Err        error
}

func (e *RegistrationError) Error() string {
	return providerErrorString("register", e.Platform, e.StatusCode, e.Body, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// SendError carries the provider's raw response when an outbound message is rejected.
type SendError struct {
	Platform   Platform
	Target     string
	StatusCode int
	Body       string
	Err        error
}

func (e *SendError) Error() string {
	return providerErrorString("send", e.Platform, e.StatusCode, e.Body, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ParseError reports JSON that could not be decoded, inbound or from a provider response.
type ParseError struct {
	Platform Platform
	Err      error
}

func (e *ParseError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("parse: %v", e.Err)
	}
	return fmt.Sprintf("%s parse: %v", e.Platform, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RoutingError means no platform is known for a conversation yet.
type RoutingError struct {
	ConversationID string
	Platform       Platform // set when the platform is known but has no adapter
}

func (e *RoutingError) Error() string {
	if e.Platform != "" {
		return fmt.Sprintf("no adapter for platform %s (conversation %s)", e.Platform, e.ConversationID)
	}
	return fmt.Sprintf("no route for conversation %s", e.ConversationID)
}

func providerErrorString(op string, p Platform, status int, body string, err error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", p, op)
	if status != 0 {
		fmt.Fprintf(&sb, ": HTTP %d", status)
	}
	if body != "" {
		fmt.Fprintf(&sb, ": %s", body)
	}
	if err != nil {
		fmt.Fprintf(&sb, ": %v", err)
	}
	return sb.String()
}
