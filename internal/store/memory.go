package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps changesets and named state in process memory. It
// serves tests and DSN-less development runs; production deployments use
// PostgresStore.
type MemoryStore struct {
	mu         sync.RWMutex
	changesets map[int64]Changeset
	state      map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		changesets: make(map[int64]Changeset),
		state:      make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) UpsertBatch(_ context.Context, changesets []Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range changesets {
		if existing, ok := s.changesets[cs.ID]; ok && cs.Author == nil {
			// The pipeline never writes author snapshots; keep the
			// refreshed one.
			cs.Author = existing.Author
		}
		s.changesets[cs.ID] = cs
	}
	return nil
}

func (s *MemoryStore) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, cs := range s.changesets {
		if cs.ClosedAt.Before(cutoff) {
			delete(s.changesets, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ClosedTimeRange(_ context.Context) (TimeRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return closedRange(s.changesets, nil)
}

func (s *MemoryStore) ClosedTimeRangeOf(_ context.Context, ids []int64) (TimeRange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subset := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		subset[id] = struct{}{}
	}
	return closedRange(s.changesets, subset)
}

func closedRange(changesets map[int64]Changeset, subset map[int64]struct{}) (TimeRange, error) {
	var tr TimeRange
	found := false
	for id, cs := range changesets {
		if subset != nil {
			if _, ok := subset[id]; !ok {
				continue
			}
		}
		if !found {
			tr = TimeRange{From: cs.ClosedAt, To: cs.ClosedAt}
			found = true
			continue
		}
		if cs.ClosedAt.Before(tr.From) {
			tr.From = cs.ClosedAt
		}
		if cs.ClosedAt.After(tr.To) {
			tr.To = cs.ClosedAt
		}
	}
	if !found {
		return TimeRange{}, ErrNotFound
	}
	return tr, nil
}

func (s *MemoryStore) Query(_ context.Context, from, to time.Time, tags []string) ([]Changeset, error) {
	predicates := parseTagPredicates(tags)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Changeset
	for _, cs := range s.changesets {
		if cs.ClosedAt.Before(from) || cs.ClosedAt.After(to) {
			continue
		}
		if !matchesTags(cs.Tags, predicates) {
			continue
		}
		result = append(result, cs)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func matchesTags(tags map[string]string, predicates []tagPredicate) bool {
	for _, p := range predicates {
		value, ok := tags[p.key]
		if !ok {
			return false
		}
		if p.exact && value != p.value {
			return false
		}
	}
	return true
}

func (s *MemoryStore) GetNamedState(_ context.Context, name string, doc any) error {
	s.mu.RLock()
	raw, ok := s.state[name]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, doc)
}

func (s *MemoryStore) SetNamedState(_ context.Context, name string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state[name] = raw
	s.mu.Unlock()
	return nil
}
