package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

const maxResponseBytes = 1 << 20

// ErrNoMessage marks a well-formed payload that carries no message (delivery
// receipts, typing notifications). Callers drop it quietly.
var ErrNoMessage = errors.New("payload carries no message")

// SharedHTTPClient returns an HTTP client with connection pooling for provider calls.
// The timeout bounds every register/send call; nothing is retried on expiry.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// apiClient is embedded by the HTTP based adapters.
type apiClient struct {
	platform domain.Platform
	client   *http.Client
	logger   *slog.Logger
}

// apiResponse is a completed provider call, whatever its status.
type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) ok() bool { return r.status >= 200 && r.status < 300 }

// postJSON performs one POST. A transport failure is returned as err; HTTP
// error statuses are returned in the response for the caller to classify.
func (c apiClient) postJSON(ctx context.Context, url, bearer string, payload any) (apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return apiResponse{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ProviderLatency.With(string(c.platform)).Observe(time.Since(start).Seconds())
	if err != nil {
		return apiResponse{}, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apiResponse{}, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("provider call", "platform", c.platform, "status", resp.StatusCode, "latency", time.Since(start))
	return apiResponse{status: resp.StatusCode, body: respBody}, nil
}

// register runs a webhook registration call and classifies the outcome.
func (c apiClient) register(ctx context.Context, url, bearer string, payload any, into any) (apiResponse, error) {
	resp, err := c.postJSON(ctx, url, bearer, payload)
	if err != nil {
		return resp, &domain.RegistrationError{Platform: c.platform, Err: err}
	}
	if !resp.ok() {
		return resp, &domain.RegistrationError{Platform: c.platform, StatusCode: resp.status, Body: string(resp.body)}
	}
	if err := decodeBody(resp.body, into); err != nil {
		return resp, &domain.ParseError{Platform: c.platform, Err: err}
	}
	return resp, nil
}

// send runs an outbound message call and classifies the outcome.
func (c apiClient) send(ctx context.Context, target, url, bearer string, payload any, into any) (apiResponse, error) {
	resp, err := c.postJSON(ctx, url, bearer, payload)
	if err != nil {
		return resp, &domain.SendError{Platform: c.platform, Target: target, Err: err}
	}
	if !resp.ok() {
		return resp, &domain.SendError{Platform: c.platform, Target: target, StatusCode: resp.status, Body: string(resp.body)}
	}
	if err := decodeBody(resp.body, into); err != nil {
		return resp, &domain.ParseError{Platform: c.platform, Err: err}
	}
	return resp, nil
}

// decodeBody accepts an empty body; anything else must be JSON.
func decodeBody(body []byte, into any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if into == nil {
		var discard json.RawMessage
		into = &discard
	}
	return json.Unmarshal(body, into)
}
