package directory

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Lookup used by tests and local tooling.
type Memory struct {
	mu      sync.RWMutex
	members map[int64]Member
	cycles  map[int64]Cycle
}

// NewMemory constructs an empty Memory directory.
func NewMemory() *Memory {
	return &Memory{members: make(map[int64]Member), cycles: make(map[int64]Cycle)}
}

// AddMember registers a member.
func (m *Memory) AddMember(member Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
}

// AddCycle registers a cycle.
func (m *Memory) AddCycle(cycle Cycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[cycle.ID] = cycle
}

func (m *Memory) FindMember(ctx context.Context, id int64) (Member, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	return member, ok, nil
}

func (m *Memory) FindCycle(ctx context.Context, id int64) (Cycle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cycle, ok := m.cycles[id]
	return cycle, ok, nil
}

func (m *Memory) ListGroupMembers(ctx context.Context, groupID int64) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Member
	for _, member := range m.members {
		if member.GroupID == groupID {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CloseCycle marks the cycle inactive and completed.
func (m *Memory) CloseCycle(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cycle, ok := m.cycles[id]
	if !ok {
		return ErrCycleNotFound
	}
	cycle.IsActiveCycle = false
	cycle.Status = CycleStatusCompleted
	m.cycles[id] = cycle
	return nil
}
