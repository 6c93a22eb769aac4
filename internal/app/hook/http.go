package hook

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"localci/internal/domain/ci"
)

const maxHookBody = 1 << 20

// Mount registers the post-receive endpoint on r. The request body is the hook's standard
// input; the repository folder is passed as the repository query parameter. The response body
// is the message to show the pusher.
func (g *Gateway) Mount(r chi.Router) {
	r.Post("/hooks/post-receive", g.handlePostReceive)
}

func (g *Gateway) handlePostReceive(w http.ResponseWriter, r *http.Request) {
	repoPath := r.URL.Query().Get("repository")
	if repoPath == "" {
		http.Error(w, "missing repository parameter", http.StatusBadRequest)
		return
	}

	updates, err := ParseRefUpdates(http.MaxBytesReader(w, r.Body, maxHookBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome := g.OnPushCompleted(r.Context(), ci.Repository{Path: repoPath}, updates)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Localci-Outcome", string(outcome.Status))
	w.WriteHeader(http.StatusOK)
	if outcome.Message != "" {
		_, _ = fmt.Fprintln(w, outcome.Message)
	}
}
