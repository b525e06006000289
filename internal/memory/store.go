// Package memory is the agent's long-term semantic memory: short notes
// embedded into a chromem-go collection and recalled by similarity.
// Embeddings are cached in an LRU so repeated recalls of the same query
// do not hit the embedding backend again.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	chromem "github.com/philippgille/chromem-go"
)

const (
	metaCreatedAt = "created_at"
	metaTags      = "tags"
	tagPrefix     = "tag:"
)

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Config configures a Store.
type Config struct {
	// PersistDir stores the collection on disk. Empty keeps it in memory.
	PersistDir string
	Collection string
	CacheSize  int
}

// Memory is one remembered note.
type Memory struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags"`
	CreatedAt  time.Time `json:"created_at"`
	Similarity float32   `json:"similarity,omitempty"`
}

// Store wraps a chromem collection.
type Store struct {
	coll     *chromem.Collection
	embedder Embedder
	cache    *lru.Cache[string, []float32]
	logger   *slog.Logger
}

// NewStore opens (or creates) the configured collection.
func NewStore(cfg Config, embedder Embedder, logger *slog.Logger) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("memory store requires an embedder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	var db *chromem.DB
	if cfg.PersistDir != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistDir, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	s := &Store{embedder: embedder, cache: cache, logger: logger}
	coll, err := db.GetOrCreateCollection(cfg.Collection, nil, s.Embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", cfg.Collection, err)
	}
	s.coll = coll

	logger.Info("memory store ready",
		"collection", cfg.Collection,
		"persist_dir", cfg.PersistDir,
		"documents", coll.Count(),
	)
	return s, nil
}

// Embed returns the embedding of text, from the cache when possible.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.cache.Get(text); ok {
		return slices.Clone(v), nil
	}
	v, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}
	s.cache.Add(text, slices.Clone(v))
	return v, nil
}

// Remember stores content with optional tags and returns the new memory.
func (s *Store) Remember(ctx context.Context, content string, tags []string) (Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Memory{}, errors.New("content is empty")
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	m := Memory{
		ID:        id.String(),
		Content:   content,
		Tags:      normalizeTags(tags),
		CreatedAt: time.Now().UTC(),
	}

	meta := map[string]string{
		metaCreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
		metaTags:      strings.Join(m.Tags, ","),
	}
	for _, t := range m.Tags {
		meta[tagPrefix+t] = "1"
	}

	if err := s.coll.AddDocument(ctx, chromem.Document{
		ID:       m.ID,
		Content:  m.Content,
		Metadata: meta,
	}); err != nil {
		return Memory{}, fmt.Errorf("add memory: %w", err)
	}

	s.logger.Debug("memory stored", "id", m.ID, "tags", m.Tags)
	return m, nil
}

// Recall returns up to limit memories most similar to query, optionally
// restricted to those carrying tag.
func (s *Store) Recall(ctx context.Context, query string, limit int, tag string) ([]Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	if limit <= 0 {
		limit = 5
	}
	// chromem rejects a result count above the collection size.
	n := min(limit, s.coll.Count())
	if n == 0 {
		return []Memory{}, nil
	}

	var where map[string]string
	if t := normalizeTag(tag); t != "" {
		where = map[string]string{tagPrefix + t: "1"}
	}

	results, err := s.coll.Query(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	out := make([]Memory, 0, len(results))
	for _, r := range results {
		m := fromMetadata(r.ID, r.Content, r.Metadata)
		m.Similarity = r.Similarity
		out = append(out, m)
	}
	return out, nil
}

// Get returns one memory by id.
func (s *Store) Get(ctx context.Context, id string) (Memory, bool) {
	doc, err := s.coll.GetByID(ctx, id)
	if err != nil {
		return Memory{}, false
	}
	return fromMetadata(doc.ID, doc.Content, doc.Metadata), true
}

// Forget deletes a memory. It reports false when id is unknown.
func (s *Store) Forget(ctx context.Context, id string) (bool, error) {
	if _, ok := s.Get(ctx, id); !ok {
		return false, nil
	}
	if err := s.coll.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	return true, nil
}

// Count returns the number of stored memories.
func (s *Store) Count() int {
	return s.coll.Count()
}

func fromMetadata(id, content string, meta map[string]string) Memory {
	m := Memory{ID: id, Content: content, Tags: []string{}}
	if t := meta[metaTags]; t != "" {
		m.Tags = strings.Split(t, ",")
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt]); err == nil {
		m.CreatedAt = ts
	}
	return m
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(t, ",", " ")))
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := normalizeTag(t); n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
