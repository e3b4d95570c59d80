package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/pathlight-learning/pathlight/internal/models"
	"github.com/pathlight-learning/pathlight/internal/store"
)

// indexCache holds per-course in-memory bleve indexes with a TTL. Indexes
// are rebuilt from the store after expiry; they are never authoritative.
type indexCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]indexEntry
}

type indexEntry struct {
	index     bleve.Index
	builtAt   time.Time
	chunkByID map[string]models.ContentChunk
}

func newIndexCache(ttl time.Duration) *indexCache {
	return &indexCache{ttl: ttl, entries: make(map[string]indexEntry)}
}

type indexedDoc struct {
	ChapterTitle string `json:"chapter_title"`
	PrimaryTopic string `json:"primary_topic"`
}

func (e *Engine) courseIndex(ctx context.Context, courseID string) (indexEntry, error) {
	e.indexes.mu.Lock()
	defer e.indexes.mu.Unlock()

	if entry, ok := e.indexes.entries[courseID]; ok && time.Since(entry.builtAt) < e.indexes.ttl {
		return entry, nil
	}

	chunks, err := e.source.QueryChunks(ctx, courseID, store.ChunkFilter{DedicatedOnly: true})
	if err != nil {
		return indexEntry{}, fmt.Errorf("load dedicated chunks for index: %w", err)
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return indexEntry{}, fmt.Errorf("create index: %w", err)
	}
	byID := make(map[string]models.ContentChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
		doc := indexedDoc{ChapterTitle: c.ChapterTitle, PrimaryTopic: c.PrimaryTopic}
		if err := index.Index(c.ID, doc); err != nil {
			return indexEntry{}, fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}

	if old, ok := e.indexes.entries[courseID]; ok {
		_ = old.index.Close()
	}
	entry := indexEntry{index: index, builtAt: time.Now(), chunkByID: byID}
	e.indexes.entries[courseID] = entry
	return entry, nil
}

// fuzzyDedicated finds dedicated topic chapters whose title or topic
// fuzzily matches the requested topic.
func (e *Engine) fuzzyDedicated(ctx context.Context, courseID, topic string) ([]models.ContentChunk, error) {
	entry, err := e.courseIndex(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if len(entry.chunkByID) == 0 {
		return nil, nil
	}

	query := bleve.NewQueryStringQuery(topic + "~")
	searchReq := bleve.NewSearchRequestOptions(query, e.cfg.TopK, 0, false)
	res, err := entry.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search: %w", err)
	}

	var out []models.ContentChunk
	for _, hit := range res.Hits {
		if c, ok := entry.chunkByID[hit.ID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
