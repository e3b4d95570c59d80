// Package retrieval implements the multi-strategy content retrieval engine.
// Every strategy operates on a single course's chunks; course scoping happens
// at the store boundary, so no strategy can leak material across courses.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/cache"
	"github.com/pathlight-learning/pathlight/internal/llm"
	"github.com/pathlight-learning/pathlight/internal/models"
	"github.com/pathlight-learning/pathlight/internal/store"
)

// ContentSource is the subset of the store the engine needs.
type ContentSource interface {
	QueryChunks(ctx context.Context, courseID string, f store.ChunkFilter) ([]models.ContentChunk, error)
}

// Embedder produces query embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Engine runs the retrieval strategies for one process. It is safe for
// concurrent use.
type Engine struct {
	source       ContentSource
	embedder     Embedder
	cache        cache.Cache
	logger       *log.Logger
	cfg          config.RetrievalConfig
	embedTimeout time.Duration
	chunkTTL     time.Duration
	indexes      *indexCache
}

// New creates a retrieval engine.
func New(source ContentSource, embedder Embedder, c cache.Cache, logger *log.Logger,
	rcfg config.RetrievalConfig, llmCfg config.LLMConfig, ccfg config.CacheConfig) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	embedTimeout := llmCfg.EmbeddingTimeout
	if embedTimeout <= 0 {
		embedTimeout = 20 * time.Second
	}
	chunkTTL := ccfg.ChunkTTL
	if chunkTTL <= 0 {
		chunkTTL = 10 * time.Minute
	}
	indexTTL := ccfg.IndexTTL
	if indexTTL <= 0 {
		indexTTL = 30 * time.Minute
	}
	return &Engine{
		source:       source,
		embedder:     embedder,
		cache:        c,
		logger:       logger,
		cfg:          rcfg.Normalize(),
		embedTimeout: embedTimeout,
		chunkTTL:     chunkTTL,
		indexes:      newIndexCache(indexTTL),
	}
}

var _ Embedder = (llm.Provider)(nil)

// chunkEnvelope carries the embedding alongside the chunk in the byte cache;
// the chunk's own embedding field is excluded from JSON on purpose.
type chunkEnvelope struct {
	Chunk     models.ContentChunk `json:"chunk"`
	Embedding []float32           `json:"embedding,omitempty"`
}

// courseChunks loads all chunks for a course, via cache when possible.
func (e *Engine) courseChunks(ctx context.Context, courseID string) ([]models.ContentChunk, error) {
	key := "chunks:" + courseID
	if e.cache != nil {
		if raw, ok := e.cache.Get(ctx, key); ok {
			var envs []chunkEnvelope
			if err := json.Unmarshal(raw, &envs); err == nil {
				out := make([]models.ContentChunk, len(envs))
				for i, env := range envs {
					out[i] = env.Chunk
					out[i].Embedding = env.Embedding
				}
				return out, nil
			}
		}
	}

	chunks, err := e.source.QueryChunks(ctx, courseID, store.ChunkFilter{})
	if err != nil {
		return nil, fmt.Errorf("load course chunks: %w", err)
	}
	if e.cache != nil && len(chunks) > 0 {
		envs := make([]chunkEnvelope, len(chunks))
		for i, c := range chunks {
			envs[i] = chunkEnvelope{Chunk: c, Embedding: c.Embedding}
		}
		if raw, err := json.Marshal(envs); err == nil {
			e.cache.Set(ctx, key, raw, e.chunkTTL)
		}
	}
	return chunks, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or empty vectors score zero.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Merge deduplicates ranked chunks by id. When the same chunk arrives from
// multiple strategies, the higher-priority provenance keeps its metadata and
// the similarity is the maximum observed.
func Merge(groups ...[]models.RankedChunk) []models.RankedChunk {
	byID := make(map[string]models.RankedChunk)
	var order []string
	for _, group := range groups {
		for _, rc := range group {
			existing, ok := byID[rc.ID]
			if !ok {
				byID[rc.ID] = rc
				order = append(order, rc.ID)
				continue
			}
			winner := existing
			if rc.Provenance.Priority() > existing.Provenance.Priority() {
				winner = rc
			}
			if rc.Similarity > winner.Similarity {
				winner.Similarity = rc.Similarity
			}
			if existing.Similarity > winner.Similarity {
				winner.Similarity = existing.Similarity
			}
			winner.ExactMatch = existing.ExactMatch || rc.ExactMatch
			byID[rc.ID] = winner
		}
	}
	out := make([]models.RankedChunk, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provenance.Priority() != out[j].Provenance.Priority() {
			return out[i].Provenance.Priority() > out[j].Provenance.Priority()
		}
		return out[i].Similarity > out[j].Similarity
	})
	return out
}
