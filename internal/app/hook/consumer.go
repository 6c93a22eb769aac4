package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"localci/internal/ports"
)

// ConsumePushes pulls push events from source and feeds them to the gateway with bounded
// parallelism.
//
// It keeps consuming until the context is cancelled or the source signals completion via
// io.EOF, then waits for pushes in flight. When onOutcome is provided it is invoked for every
// handled push.
func (g *Gateway) ConsumePushes(
	ctx context.Context,
	source ports.PushEventSource,
	maxParallel int,
	onOutcome func(ports.PushEvent, Outcome),
) error {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallel)

	finish := func(err error) error {
		wg.Wait()
		return err
	}

	for {
		event, err := source.NextPush(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return finish(nil)
			}
			return finish(fmt.Errorf("get next push: %w", err))
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return finish(nil)
		}
		wg.Add(1)
		go func(event ports.PushEvent) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := g.OnPushCompleted(ctx, event.Repository, event.Updates)
			if onOutcome != nil {
				onOutcome(event, outcome)
			}
		}(event)
	}
}
