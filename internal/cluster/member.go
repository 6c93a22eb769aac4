package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Member is a node that can execute tasks.
type Member interface {
	ID() string
	Capabilities() []string
	Execute(ctx context.Context, call Call) (any, error)
}

func hasCapability(m Member, tag string) bool {
	tag = strings.TrimSpace(tag)
	for _, capability := range m.Capabilities() {
		if strings.EqualFold(strings.TrimSpace(capability), tag) {
			return true
		}
	}
	return false
}

// LocalMember runs tasks in-process with bounded parallelism.
type LocalMember struct {
	id           string
	capabilities []string
	registry     *Registry
	sem          chan struct{}
}

// NewLocalMember returns a member that runs at most maxParallel tasks at once. Calls without
// an in-process function are looked up by name in registry, which may be nil.
func NewLocalMember(id string, capabilities []string, maxParallel int, registry *Registry) *LocalMember {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &LocalMember{
		id:           id,
		capabilities: append([]string(nil), capabilities...),
		registry:     registry,
		sem:          make(chan struct{}, maxParallel),
	}
}

func (m *LocalMember) ID() string { return m.id }

func (m *LocalMember) Capabilities() []string { return m.capabilities }

// Execute waits for a free slot and runs call.
func (m *LocalMember) Execute(ctx context.Context, call Call) (any, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.sem }()

	if call.Local != nil {
		return call.Local(ctx)
	}

	handler, ok := m.registry.lookup(call.Name)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w %q on member %s", ErrUnknownTask, call.Name, m.id))
	}
	payload, err := json.Marshal(call.Payload)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode payload of task %s: %w", call.Name, err))
	}
	return handler(ctx, payload)
}

// StaticMembership is a fixed set of members.
type StaticMembership struct {
	members []Member
}

// NewStaticMembership returns a membership of members.
func NewStaticMembership(members ...Member) *StaticMembership {
	return &StaticMembership{members: append([]Member(nil), members...)}
}

// MembersWithCapability returns the members advertising tag, in configuration order.
func (s *StaticMembership) MembersWithCapability(tag string) []Member {
	var matches []Member
	for _, member := range s.members {
		if hasCapability(member, tag) {
			matches = append(matches, member)
		}
	}
	return matches
}

// Members returns every configured member.
func (s *StaticMembership) Members() []Member {
	return append([]Member(nil), s.members...)
}
