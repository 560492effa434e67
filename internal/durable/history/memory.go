package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "signal_trader/pkg/errors"
)

type memEntry struct {
	inst   *Instance
	events []Event
}

// MemoryStore implements Store in memory
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*memEntry
	order     []string // creation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*memEntry),
	}
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *Instance, events ...Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.InstanceID]; ok {
		return fmt.Errorf("instance %s: %w", inst.InstanceID, apperrors.ErrInstanceExists)
	}

	entry := &memEntry{inst: inst.Clone()}
	entry.inst.Status = StatusRunning
	entry.inst.LastSeq = 0
	s.instances[inst.InstanceID] = entry
	s.order = append(s.order, inst.InstanceID)
	s.appendLocked(entry, events)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, instanceID string, events ...Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.instances[instanceID]
	if !ok {
		return 0, fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotFound)
	}
	if entry.inst.Status != StatusRunning {
		return 0, fmt.Errorf("instance %s is %s: %w", instanceID, entry.inst.Status, apperrors.ErrInstanceNotRunning)
	}

	s.appendLocked(entry, events)
	return entry.inst.LastSeq, nil
}

func (s *MemoryStore) appendLocked(entry *memEntry, events []Event) {
	for _, ev := range events {
		entry.inst.LastSeq++
		stored := ev.Clone()
		stored.Seq = entry.inst.LastSeq
		entry.events = append(entry.events, stored)
		if !ev.Timestamp.IsZero() {
			entry.inst.UpdatedAt = ev.Timestamp
		}
		if ev.Type.IsOrchestrationTerminal() {
			entry.inst.applyTerminal(stored)
		}
	}
}

func (s *MemoryStore) Read(ctx context.Context, instanceID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotFound)
	}

	out := make([]Event, len(entry.events))
	for i, ev := range entry.events {
		out[i] = ev.Clone()
	}
	return out, nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotFound)
	}
	return entry.inst.Clone(), nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, id := range s.order {
		if s.instances[id].inst.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter Filter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Instance
	for _, id := range s.order {
		inst := s.instances[id].inst
		if filter.matches(inst) {
			out = append(out, inst.Clone())
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Quarantine(ctx context.Context, instanceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, apperrors.ErrInstanceNotFound)
	}
	if entry.inst.Status != StatusRunning {
		return fmt.Errorf("instance %s is %s: %w", instanceID, entry.inst.Status, apperrors.ErrInstanceNotRunning)
	}
	entry.inst.Status = StatusQuarantined
	entry.inst.ErrorKind = apperrors.Kind(apperrors.ErrHistoryCorruption)
	entry.inst.Error = reason
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
