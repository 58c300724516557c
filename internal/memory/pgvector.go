package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PGVectorStore keeps items in Postgres and ranks them by cosine similarity.
type PGVectorStore struct {
	db        *pgxpool.Pool
	embedder  Embedder
	dimension int
}

// RegisterVectorTypes is a pgxpool AfterConnect hook. The vector type must
// exist before its codec can be registered, so the extension is created first.
func RegisterVectorTypes(ctx context.Context, conn *pgx.Conn) error {
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
		return fmt.Errorf("register vector types: %w", err)
	}
	return nil
}

// NewPGVectorStore expects a pool whose connections ran RegisterVectorTypes.
func NewPGVectorStore(db *pgxpool.Pool, embedder Embedder, dimension int) *PGVectorStore {
	return &PGVectorStore{db: db, embedder: embedder, dimension: dimension}
}

func (s *PGVectorStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memory_items (
			key           TEXT PRIMARY KEY,
			namespace     TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			kind          TEXT NOT NULL,
			text          TEXT NOT NULL,
			source_thread TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			embedding     vector(%d) NOT NULL
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS memory_items_namespace_idx ON memory_items (namespace)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure memory schema: %w", err)
		}
	}
	return nil
}

func (s *PGVectorStore) Put(ctx context.Context, ns Namespace, key string, item Item) error {
	emb, err := s.embedder.Embed(ctx, item.Text)
	if err != nil {
		return fmt.Errorf("embed memory item: %w", err)
	}

	query := `
		INSERT INTO memory_items (key, namespace, user_id, kind, text, source_thread, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)
	`
	_, err = s.db.Exec(ctx, query,
		key,
		ns.String(),
		ns.UserID,
		string(ns.Kind),
		item.Text,
		item.SourceThread,
		item.CreatedAt,
		pgvector.NewVector(emb),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrKeyExists
		}
		return fmt.Errorf("insert memory item: %w", err)
	}
	return nil
}

func (s *PGVectorStore) Search(ctx context.Context, ns Namespace, query string, limit int) ([]ScoredItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed memory query: %w", err)
	}

	sql := `
		SELECT key, user_id, kind, text, source_thread, created_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM memory_items
		WHERE namespace = $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, sql, pgvector.NewVector(emb), ns.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var out []ScoredItem
	for rows.Next() {
		var (
			it   ScoredItem
			kind string
		)
		if err := rows.Scan(&it.Key, &it.UserID, &kind, &it.Text, &it.SourceThread, &it.CreatedAt, &it.Score); err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		it.Kind = Kind(kind)
		out = append(out, it)
	}
	return out, rows.Err()
}
