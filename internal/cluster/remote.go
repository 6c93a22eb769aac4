package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	tasksPath       = "/cluster/tasks/"
	maxResponseSize = 32 << 20
)

// taskFailure is the body of a 422 answer from a worker.
type taskFailure struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Permanent bool   `json:"permanent,omitempty"`
}

// RemoteMember executes tasks on a worker over HTTP.
type RemoteMember struct {
	id           string
	baseURL      string
	capabilities []string
	client       *http.Client
	codes        []ErrorCode
}

// NewRemoteMember returns a member that posts tasks to the worker at baseURL.
func NewRemoteMember(id, baseURL string, capabilities []string, opts RemoteOptions) *RemoteMember {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &RemoteMember{
		id:           id,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		capabilities: append([]string(nil), capabilities...),
		client:       client,
		codes:        opts.Codes,
	}
}

func (m *RemoteMember) ID() string { return m.id }

func (m *RemoteMember) Capabilities() []string { return m.capabilities }

// Execute posts the JSON payload of call and returns the raw JSON answer.
func (m *RemoteMember) Execute(ctx context.Context, call Call) (any, error) {
	payload, err := json.Marshal(call.Payload)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode payload of task %s: %w", call.Name, err))
	}

	endpoint := m.baseURL + tasksPath + url.PathEscape(call.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request for task %s: %w", call.Name, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", m.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("member %s: read response: %w", m.id, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return json.RawMessage(body), nil
	case http.StatusUnprocessableEntity:
		var failure taskFailure
		if err := json.Unmarshal(body, &failure); err != nil {
			return nil, fmt.Errorf("member %s: decode task failure: %w", m.id, err)
		}
		remoteErr := &RemoteError{
			Member:   m.id,
			Task:     call.Name,
			Code:     failure.Code,
			Message:  failure.Message,
			sentinel: sentinelFor(m.codes, failure.Code),
		}
		if failure.Permanent {
			return nil, Permanent(remoteErr)
		}
		return nil, remoteErr
	default:
		return nil, fmt.Errorf("member %s: task %s: unexpected status %d: %s",
			m.id, call.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
