package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// InMemoryStore scores items by token overlap with the query. It serves
// development and tests; contents do not survive a restart.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string][]ScoredItem
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string][]ScoredItem)}
}

func (s *InMemoryStore) Put(_ context.Context, ns Namespace, key string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ns.String()
	for _, existing := range s.items[k] {
		if existing.Key == key {
			return ErrKeyExists
		}
	}
	s.items[k] = append(s.items[k], ScoredItem{Key: key, Item: item})
	return nil
}

func (s *InMemoryStore) Search(_ context.Context, ns Namespace, query string, limit int) ([]ScoredItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := tokens(query)
	if len(q) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	candidates := s.items[ns.String()]
	out := make([]ScoredItem, 0, len(candidates))
	for _, it := range candidates {
		score := overlap(q, tokens(it.Text))
		if score <= 0 {
			continue
		}
		it.Score = score
		out = append(out, it)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func tokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

// overlap is the Jaccard index of two token sets.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
