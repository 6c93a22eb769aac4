// Package hook receives completed pushes and hands gradable ones to the pipeline.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"localci/internal/domain/ci"
	"localci/internal/metrics"
)

// Messages shown to the pusher.
const (
	MessageSingleUpdate = "Only one ref update per push is supported. Your changes were saved nonetheless."
	MessageWrongBranch  = "Only pushes to the default branch will be graded. Your changes were saved nonetheless."
	MessageNotTested    = "Your changes were saved, but we could not test your submission. Please try again later or contact your instructor."
)

// PushProcessor creates submissions for pushed commits.
type PushProcessor interface {
	ProcessPush(ctx context.Context, commitHash string, repo ci.Repository) error
}

// Status is the terminal classification of a push.
type Status string

const (
	StatusIgnored    Status = "ignored"
	StatusRejected   Status = "rejected"
	StatusDispatched Status = "dispatched"
)

// Outcome describes how a push was handled. Message is meant for the pusher; Err holds the
// underlying cause of rejections that came from processing.
type Outcome struct {
	Status  Status
	Message string
	Err     error
}

type gatewayState int

const (
	stateIdle gatewayState = iota
	stateValidating
	stateRejected
	stateDispatching
	stateDone
)

func (s gatewayState) String() string {
	return [...]string{"idle", "validating", "rejected", "dispatching", "done"}[s]
}

// Gateway validates completed pushes. The push itself is never undone.
type Gateway struct {
	processor PushProcessor
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewGateway constructs a Gateway. logger and m may be nil.
func NewGateway(processor PushProcessor, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{processor: processor, logger: logger, metrics: m}
}

// OnPushCompleted handles the ref updates of one push to repo.
func (g *Gateway) OnPushCompleted(ctx context.Context, repo ci.Repository, updates []ci.RefUpdate) Outcome {
	run := &pushRun{gateway: g, logger: g.logger.With("repository", repo.Path), state: stateIdle}
	outcome := run.handle(ctx, repo, updates)
	g.metrics.ObservePush(string(outcome.Status))
	return outcome
}

type pushRun struct {
	gateway *Gateway
	logger  *slog.Logger
	state   gatewayState
}

func (r *pushRun) to(next gatewayState) {
	r.logger.Debug("push state changed", "from", r.state.String(), "to", next.String())
	r.state = next
}

func (r *pushRun) handle(ctx context.Context, repo ci.Repository, updates []ci.RefUpdate) Outcome {
	r.to(stateValidating)

	if len(updates) == 0 {
		r.to(stateDone)
		return Outcome{Status: StatusIgnored}
	}
	if len(updates) > 1 {
		return r.reject(Outcome{Status: StatusRejected, Message: MessageSingleUpdate})
	}
	update := updates[0]
	if !update.Modifies() {
		r.logger.Info("push does not update an existing ref", "ref", update.RefName, "kind", string(update.Kind))
		return r.reject(Outcome{Status: StatusRejected, Message: MessageWrongBranch})
	}

	r.to(stateDispatching)
	if err := r.gateway.processor.ProcessPush(ctx, update.NewID, repo); err != nil {
		r.logger.Warn("push could not be processed", "ref", update.RefName, "commit", update.NewID, "error", err)
		return r.reject(Outcome{Status: StatusRejected, Message: messageFor(err), Err: err})
	}

	r.to(stateDone)
	r.logger.Info("push dispatched", "ref", update.RefName, "commit", update.NewID)
	return Outcome{Status: StatusDispatched}
}

func (r *pushRun) reject(outcome Outcome) Outcome {
	r.to(stateRejected)
	r.to(stateDone)
	return outcome
}

func messageFor(err error) string {
	if errors.Is(err, ci.ErrBranchResolution) {
		return MessageWrongBranch
	}
	return MessageNotTested
}

// String renders the outcome for logs and hook output.
func (o Outcome) String() string {
	if o.Message == "" {
		return string(o.Status)
	}
	return fmt.Sprintf("%s: %s", o.Status, o.Message)
}
