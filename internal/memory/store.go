package memory

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	KindUser     Kind = "user"
	KindEpisodic Kind = "episodic"
)

// Namespace scopes items to one user and kind, laid out as ("memories", user, kind).
type Namespace struct {
	UserID string
	Kind   Kind
}

func (n Namespace) Path() []string { return []string{"memories", n.UserID, string(n.Kind)} }

func (n Namespace) String() string { return "memories/" + n.UserID + "/" + string(n.Kind) }

type Item struct {
	Text         string    `json:"text"`
	Kind         Kind      `json:"kind"`
	UserID       string    `json:"user_id"`
	SourceThread string    `json:"source_thread,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ScoredItem struct {
	Key string
	Item
	Score float64
}

// ErrKeyExists is returned when Put targets an existing key. Items are write-once.
var ErrKeyExists = errors.New("memory: key already exists")

// Store is a namespaced similarity search store. Search returns at most limit
// items ordered by descending score.
type Store interface {
	Search(ctx context.Context, ns Namespace, query string, limit int) ([]ScoredItem, error)
	Put(ctx context.Context, ns Namespace, key string, item Item) error
}
