package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pathlight-learning/pathlight/internal/models"
	"github.com/pathlight-learning/pathlight/internal/store"
)

// Semantic embeds the question and ranks course chunks by cosine similarity.
// If embedding fails or times out, it degrades to keyword retrieval rather
// than failing the question.
func (e *Engine) Semantic(ctx context.Context, courseID, text string) ([]models.RankedChunk, error) {
	chunks, err := e.courseChunks(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()
	vecs, err := e.embedder.Embed(embedCtx, []string{text})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		e.logger.Printf("[RETRIEVAL] embedding unavailable, falling back to keyword: %v", err)
		return e.Keyword(ctx, courseID, text)
	}
	queryVec := vecs[0]

	ranked := make([]models.RankedChunk, 0, len(chunks))
	for _, c := range chunks {
		ranked = append(ranked, models.RankedChunk{
			ContentChunk: c,
			Similarity:   cosineSimilarity(queryVec, c.Embedding),
			Provenance:   models.ProvenanceSemantic,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Similarity > ranked[j].Similarity })

	topK := e.cfg.TopK
	if topK > len(ranked) {
		topK = len(ranked)
	}
	ranked = ranked[:topK]

	// When nothing clears the floor we still return a small candidate set;
	// governance decides whether it is usable.
	if ranked[0].Similarity < e.cfg.SimilarityFloor {
		n := 3
		if n > len(ranked) {
			n = len(ranked)
		}
		return ranked[:n], nil
	}
	return ranked, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "what": true,
	"how": true, "why": true, "when": true, "where": true, "which": true, "does": true,
	"can": true, "you": true, "about": true, "with": true, "that": true, "this": true,
	"from": true, "have": true, "into": true, "will": true, "should": true, "would": true,
	"all": true, "any": true, "our": true, "your": true, "their": true, "explain": true,
	"tell": true, "please": true, "course": true, "chapter": true, "day": true, "lab": true,
}

var reToken = regexp.MustCompile(`[a-zA-Z0-9]+`)

func tokenize(text string) []string {
	var out []string
	for _, tok := range reToken.FindAllString(strings.ToLower(text), -1) {
		if len(tok) <= 2 || stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Keyword scores chunks by token overlap: title hits count three times body
// hits. Only positive-scoring chunks are returned.
func (e *Engine) Keyword(ctx context.Context, courseID, text string) ([]models.RankedChunk, error) {
	chunks, err := e.courseChunks(ctx, courseID)
	if err != nil {
		return nil, err
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	var ranked []models.RankedChunk
	for _, c := range chunks {
		title := strings.ToLower(c.ChapterTitle)
		body := strings.ToLower(c.Text)
		var score float64
		for _, tok := range tokens {
			score += 3 * float64(strings.Count(title, tok))
			score += float64(strings.Count(body, tok))
		}
		if score <= 0 {
			continue
		}
		ranked = append(ranked, models.RankedChunk{
			ContentChunk:  c,
			CombinedScore: score,
			Provenance:    models.ProvenanceKeyword,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].CombinedScore > ranked[j].CombinedScore })
	if len(ranked) > e.cfg.TopK {
		ranked = ranked[:e.cfg.TopK]
	}
	return ranked, nil
}

// Hybrid blends semantic similarity with rank-decayed keyword evidence.
// Chunks found by both strategies accumulate both contributions, and chunks
// from a dedicated topic chapter matching the question topic get a fixed
// boost.
func (e *Engine) Hybrid(ctx context.Context, courseID, text string) ([]models.RankedChunk, error) {
	semantic, err := e.Semantic(ctx, courseID, text)
	if err != nil {
		return nil, err
	}
	keyword, err := e.Keyword(ctx, courseID, text)
	if err != nil {
		return nil, err
	}

	topic := ExtractTopic(text)
	combined := make(map[string]models.RankedChunk)
	var order []string

	for rank, rc := range semantic {
		rc.CombinedScore = e.cfg.SemanticWeight*rc.Similarity + e.cfg.RankDecayWeight*rankDecay(rank)
		combined[rc.ID] = rc
		order = append(order, rc.ID)
	}
	for rank, rc := range keyword {
		contribution := e.cfg.RankDecayWeight * rankDecay(rank)
		if existing, ok := combined[rc.ID]; ok {
			existing.CombinedScore += contribution
			combined[rc.ID] = existing
			continue
		}
		rc.CombinedScore = contribution
		combined[rc.ID] = rc
		order = append(order, rc.ID)
	}

	out := make([]models.RankedChunk, 0, len(order))
	for _, id := range order {
		rc := combined[id]
		if topic != "" && rc.DedicatedTopicChapter && rc.MentionsConcept(topic) {
			rc.CombinedScore += e.cfg.DedicatedTopicBoost
		}
		out = append(out, rc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	if len(out) > e.cfg.TopK {
		out = out[:e.cfg.TopK]
	}
	return out, nil
}

func rankDecay(rank int) float64 { return 1.0 / float64(rank+1) }

// ExactReference returns chunks matching the parsed structural reference.
// Matching is tolerant of identifier formatting ("chapter-4", "ch4", "4").
// An empty result is not an error; the caller falls back to hybrid search.
func (e *Engine) ExactReference(ctx context.Context, courseID string, ref models.StructuralReference) ([]models.RankedChunk, error) {
	if !ref.HasSpecificReference() {
		return nil, nil
	}
	f := store.ChunkFilter{Day: ref.Day, Chapter: ref.Chapter, Lab: ref.Lab}
	chunks, err := e.source.QueryChunks(ctx, courseID, f)
	if err != nil {
		return nil, fmt.Errorf("exact reference query: %w", err)
	}
	var out []models.RankedChunk
	for _, c := range chunks {
		if !c.MatchesReference(ref) {
			continue
		}
		out = append(out, models.RankedChunk{
			ContentChunk: c,
			Provenance:   models.ProvenanceExact,
			ExactMatch:   true,
		})
	}
	return out, nil
}

// StrictLab retrieves only chunks for the exact day and lab. It never falls
// back: lab guidance must come from the named lab or not at all.
func (e *Engine) StrictLab(ctx context.Context, courseID string, ref models.StructuralReference) ([]models.RankedChunk, error) {
	if !ref.HasDayAndLab() {
		return nil, nil
	}
	f := store.ChunkFilter{Day: ref.Day, Lab: ref.Lab, ContentType: models.ContentTypeLab}
	chunks, err := e.source.QueryChunks(ctx, courseID, f)
	if err != nil {
		return nil, fmt.Errorf("strict lab query: %w", err)
	}
	var out []models.RankedChunk
	for _, c := range chunks {
		if !c.MatchesLab(*ref.Lab) {
			continue
		}
		out = append(out, models.RankedChunk{
			ContentChunk: c,
			Provenance:   models.ProvenanceStrictLab,
			ExactMatch:   true,
		})
	}
	return out, nil
}

// DedicatedTopic finds chapters dedicated to the topic. Metadata matching
// runs first; when it finds nothing, a fuzzy full-text pass over titles and
// topics catches spelling variants, and a store-side body search catches
// topics that only appear inside the chapter text.
func (e *Engine) DedicatedTopic(ctx context.Context, courseID, topic string, modifiers []string) ([]models.RankedChunk, error) {
	if topic == "" {
		return nil, nil
	}
	chunks, err := e.source.QueryChunks(ctx, courseID, store.ChunkFilter{DedicatedOnly: true, TopicLike: topic})
	if err != nil {
		return nil, fmt.Errorf("dedicated topic query: %w", err)
	}
	if len(chunks) == 0 {
		chunks, err = e.fuzzyDedicated(ctx, courseID, topic)
		if err != nil {
			e.logger.Printf("[RETRIEVAL] fuzzy dedicated lookup failed: %v", err)
		}
	}
	if len(chunks) == 0 {
		chunks, err = e.source.QueryChunks(ctx, courseID, store.ChunkFilter{DedicatedOnly: true, TextLike: topic})
		if err != nil {
			return nil, fmt.Errorf("dedicated text query: %w", err)
		}
	}

	var out []models.RankedChunk
	for _, c := range chunks {
		if len(modifiers) > 0 && !matchesModifiers(c, modifiers) {
			continue
		}
		out = append(out, models.RankedChunk{
			ContentChunk: c,
			Provenance:   models.ProvenanceDedicated,
		})
	}
	return out, nil
}

func matchesModifiers(c models.ContentChunk, modifiers []string) bool {
	haystack := strings.ToLower(c.ChapterTitle + " " + c.PrimaryTopic)
	for _, m := range modifiers {
		if strings.Contains(haystack, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// ChapterExhaustive returns every chunk of one chapter, unranked and
// untruncated. List requests need completeness, not relevance.
func (e *Engine) ChapterExhaustive(ctx context.Context, courseID string, chapter int) ([]models.RankedChunk, error) {
	f := store.ChunkFilter{Chapter: &chapter}
	chunks, err := e.source.QueryChunks(ctx, courseID, f)
	if err != nil {
		return nil, fmt.Errorf("chapter exhaustive query: %w", err)
	}
	var out []models.RankedChunk
	for _, c := range chunks {
		if !c.MatchesChapter(chapter) {
			continue
		}
		out = append(out, models.RankedChunk{
			ContentChunk: c,
			Provenance:   models.ProvenanceExact,
			ExactMatch:   true,
		})
	}
	return out, nil
}

var reAcronymTopic = regexp.MustCompile(`\b[A-Z]{2,8}s?\b`)
var reQuotedTopic = regexp.MustCompile(`"([^"]{2,60})"|'([^']{2,60})'`)

// ExtractTopic pulls the likeliest topic phrase out of the question: quoted
// phrases, then acronyms, then the longest run of non-stopword tokens.
func ExtractTopic(text string) string {
	if m := reQuotedTopic.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			return strings.ToLower(m[1])
		}
		return strings.ToLower(m[2])
	}
	if m := reAcronymTopic.FindString(text); m != "" {
		return strings.ToLower(m)
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return ""
	}
	// Prefer adjacent token pairs; multi-word topics dominate course
	// material titles.
	if len(tokens) >= 2 {
		return tokens[0] + " " + tokens[1]
	}
	return tokens[0]
}
