package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"localci/internal/clock"
)

type fakeMember struct {
	id           string
	capabilities []string

	mu    sync.Mutex
	calls int
	run   func(call Call) (any, error)
}

func (m *fakeMember) ID() string             { return m.id }
func (m *fakeMember) Capabilities() []string { return m.capabilities }

func (m *fakeMember) Execute(ctx context.Context, call Call) (any, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.run != nil {
		return m.run(call)
	}
	return call.Local(ctx)
}

func (m *fakeMember) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type buildError struct{ reason string }

func (e *buildError) Error() string { return e.reason }

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	d, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}
	return d
}

func TestNewDispatcherRequiresMember(t *testing.T) {
	t.Parallel()

	if _, err := NewDispatcher(Config{}); err == nil {
		t.Fatalf("expected error without membership or local member")
	}
}

func TestSubmitRunsOnLocalMemberWithoutMembership(t *testing.T) {
	t.Parallel()

	local := NewLocalMember("local", []string{"gradle"}, 2, nil)
	d := newTestDispatcher(t, Config{Local: local})

	got, err := Submit(context.Background(), d, "gradle", Task[int]{
		Name: "answer",
		Run:  func(context.Context) (int, error) { return 42, nil },
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestSubmitLocalMemberWithoutCapabilityFailsImmediately(t *testing.T) {
	t.Parallel()

	local := NewLocalMember("local", []string{"gradle"}, 1, nil)
	d := newTestDispatcher(t, Config{Local: local})

	_, err := Submit(context.Background(), d, "maven", Task[int]{
		Name: "answer",
		Run:  func(context.Context) (int, error) { return 1, nil },
	})
	if !errors.Is(err, ErrNoMember) {
		t.Fatalf("expected ErrNoMember, got %v", err)
	}
}

func TestSubmitRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var attempts atomic.Int32
	member := &fakeMember{id: "w1", capabilities: []string{"gradle"}}
	d := newTestDispatcher(t, Config{Membership: NewStaticMembership(member), Clock: fake})

	type outcome struct {
		value string
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := Submit(context.Background(), d, "gradle", Task[string]{
			Name: "build",
			Run: func(context.Context) (string, error) {
				if attempts.Add(1) < 4 {
					return "", errors.New("worker unavailable")
				}
				return "ok", nil
			},
		})
		done <- outcome{value: value, err: err}
	}()

	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		fake.WaitForTimers(1)
		fake.Advance(delay - time.Millisecond)
		if fake.PendingCount() != 1 {
			t.Fatalf("retry fired before %v elapsed", delay)
		}
		fake.Advance(time.Millisecond)
	}

	select {
	case out := <-done:
		if out.err != nil || out.value != "ok" {
			t.Fatalf("unexpected outcome: %q, %v", out.value, out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Submit did not return")
	}
	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestSubmitExhaustionReturnsOriginalCause(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cause := &buildError{reason: "disk full"}
	member := &fakeMember{id: "w1", capabilities: []string{"gradle"}}
	d := newTestDispatcher(t, Config{
		Membership: NewStaticMembership(member),
		Clock:      fake,
		Retry:      RetryPolicy{MaxAttempts: 3},
	})

	done := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), d, "gradle", Task[int]{
			Name: "build",
			Run:  func(context.Context) (int, error) { return 0, cause },
		})
		done <- err
	}()

	for i := 0; i < 2; i++ {
		fake.WaitForTimers(1)
		fake.Advance(30 * time.Second)
	}

	select {
	case err := <-done:
		if err != cause {
			t.Fatalf("expected the original cause, got %#v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Submit did not return")
	}
	if got := member.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	cause := &buildError{reason: "malformed report"}
	member := &fakeMember{id: "w1", capabilities: []string{"gradle"}}
	d := newTestDispatcher(t, Config{Membership: NewStaticMembership(member)})

	_, err := Submit(context.Background(), d, "gradle", Task[int]{
		Name: "build",
		Run:  func(context.Context) (int, error) { return 0, Permanent(cause) },
	})
	if err != cause {
		t.Fatalf("expected the unwrapped cause, got %#v", err)
	}
	if got := member.callCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestSubmitInterruptedWhileTaskRuns(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	local := NewLocalMember("local", []string{"gradle"}, 1, nil)
	d := newTestDispatcher(t, Config{Local: local})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Submit(ctx, d, "gradle", Task[int]{
			Name: "build",
			Run: func(context.Context) (int, error) {
				close(started)
				<-release
				return 1, nil
			},
		})
		done <- err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
			t.Fatalf("expected interruption, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Submit did not observe cancellation")
	}
}

func TestSubmitInterruptedDuringBackoff(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	member := &fakeMember{id: "w1", capabilities: []string{"gradle"}}
	d := newTestDispatcher(t, Config{Membership: NewStaticMembership(member), Clock: fake})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Submit(ctx, d, "gradle", Task[int]{
			Name: "build",
			Run:  func(context.Context) (int, error) { return 0, errors.New("transient") },
		})
		done <- err
	}()

	fake.WaitForTimers(1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("expected ErrInterrupted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Submit did not observe cancellation")
	}
	if got := member.callCount(); got != 1 {
		t.Fatalf("expected no attempt after cancellation, got %d", got)
	}
}

func TestSubmitRotatesAcrossCapableMembers(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	failing := &fakeMember{id: "w1", capabilities: []string{"gradle", "maven"}, run: func(Call) (any, error) {
		return nil, errors.New("connection refused")
	}}
	mavenOnly := &fakeMember{id: "w2", capabilities: []string{"maven"}}
	healthy := &fakeMember{id: "w3", capabilities: []string{" Gradle "}}
	d := newTestDispatcher(t, Config{Membership: NewStaticMembership(failing, mavenOnly, healthy), Clock: fake})

	done := make(chan error, 1)
	go func() {
		_, err := Submit(context.Background(), d, "gradle", Task[int]{
			Name: "build",
			Run:  func(context.Context) (int, error) { return 7, nil },
		})
		done <- err
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Submit did not return")
	}
	if failing.callCount() != 1 || healthy.callCount() != 1 || mavenOnly.callCount() != 0 {
		t.Fatalf("unexpected member usage: w1=%d w2=%d w3=%d", failing.callCount(), mavenOnly.callCount(), healthy.callCount())
	}
}

func TestRetryPolicyBackoffIsCapped(t *testing.T) {
	t.Parallel()

	backoff := RetryPolicy{MaxAttempts: 8}.normalized().backoff()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for idx, seconds := range want {
		if got := backoff.Step(); got != seconds*time.Second {
			t.Fatalf("step %d: expected %v, got %v", idx, seconds*time.Second, got)
		}
	}
}
