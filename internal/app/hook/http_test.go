package hook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newHookServer(t *testing.T, proc *recordingProcessor) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewGateway(proc, discardLogger(), nil).Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestPostReceiveDispatches(t *testing.T) {
	t.Parallel()

	proc := &recordingProcessor{}
	srv := newHookServer(t, proc)

	body := strings.NewReader(oldHash + " " + newHash + " refs/heads/main\n")
	resp, err := http.Post(srv.URL+"/hooks/post-receive?repository=/srv/repos/EX/ex-bob.git", "text/plain", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Localci-Outcome"); got != string(StatusDispatched) {
		t.Fatalf("expected dispatched outcome, got %q", got)
	}
	if proc.callCount() != 1 || proc.calls[0] != "/srv/repos/EX/ex-bob.git@"+newHash {
		t.Fatalf("unexpected processor calls %v", proc.calls)
	}
}

func TestPostReceiveRejectedPushStillSucceeds(t *testing.T) {
	t.Parallel()

	srv := newHookServer(t, &recordingProcessor{})
	body := strings.NewReader(zero + " " + newHash + " refs/heads/feature\n")
	resp, err := http.Post(srv.URL+"/hooks/post-receive?repository=/r.git", "text/plain", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Localci-Outcome") != string(StatusRejected) {
		t.Fatalf("expected rejected outcome with 200, got %d %q", resp.StatusCode, resp.Header.Get("X-Localci-Outcome"))
	}
}

func TestPostReceiveBadRequests(t *testing.T) {
	t.Parallel()

	srv := newHookServer(t, &recordingProcessor{})
	for _, tc := range []struct{ query, body string }{
		{query: "", body: oldHash + " " + newHash + " refs/heads/main"},
		{query: "?repository=/r.git", body: "garbage"},
	} {
		resp, err := http.Post(srv.URL+"/hooks/post-receive"+tc.query, "text/plain", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", tc.query, resp.StatusCode)
		}
	}
}
