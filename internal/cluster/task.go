package cluster

import (
	"context"
	"encoding/json"
	"fmt"
)

// Task is a unit of work that can run on any member advertising the requested capability.
//
// Run executes the task in-process. Remote members receive Name and the JSON encoding of
// Payload and answer with the JSON encoding of a T.
type Task[T any] struct {
	Name    string
	Payload any
	Run     func(ctx context.Context) (T, error)
}

// Call is the type-erased form of a Task handed to members.
type Call struct {
	Name    string
	Payload any
	Local   func(ctx context.Context) (any, error)
}

// Submit runs task on a member with capability tag and blocks until it finishes, fails
// permanently, exhausts its retries or ctx ends.
func Submit[T any](ctx context.Context, d *Dispatcher, tag string, task Task[T]) (T, error) {
	var zero T

	call := Call{Name: task.Name, Payload: task.Payload}
	if task.Run != nil {
		run := task.Run
		call.Local = func(ctx context.Context) (any, error) { return run(ctx) }
	}

	value, err := d.dispatch(ctx, tag, call)
	if err != nil {
		return zero, err
	}
	return decodeValue[T](task.Name, value)
}

func decodeValue[T any](name string, value any) (T, error) {
	if v, ok := value.(T); ok {
		return v, nil
	}

	var out T
	raw, ok := value.(json.RawMessage)
	if !ok {
		return out, fmt.Errorf("task %s returned unexpected type %T", name, value)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of task %s: %w", name, err)
	}
	return out, nil
}
