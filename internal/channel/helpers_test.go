package channel

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturedRequest is one call seen by a fake provider.
type capturedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

// fakeProvider answers every request with status/body and records what it got.
type fakeProvider struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func newFakeProvider(t *testing.T, status int, body string) (*fakeProvider, *httptest.Server) {
	t.Helper()
	fp := &fakeProvider{status: status, body: body}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(raw, &decoded)
		fp.mu.Lock()
		fp.requests = append(fp.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   decoded,
		})
		fp.mu.Unlock()
		w.WriteHeader(fp.status)
		io.WriteString(w, fp.body)
	}))
	t.Cleanup(srv.Close)
	return fp, srv
}

func (fp *fakeProvider) calls() []capturedRequest {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]capturedRequest(nil), fp.requests...)
}
