// Package docindex is the local semantic index over internal documents:
// loaders turn files into text, chunks are embedded once on rebuild and
// searched by cosine similarity on every chat turn.
package docindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"arisbot/internal/util"
	"arisbot/pkg/ai"
	"arisbot/pkg/domain"
)

const (
	defaultTopK      = 5
	defaultMinScore  = 0.3
	sourceBoost      = 0.05
	embedConcurrency = 4
	embedBatch       = 16
)

// ErrIndexing is returned when a rebuild is already running.
var ErrIndexing = errors.New("knowledge index rebuild already running")

var boostStopwords = map[string]struct{}{
	"como": {}, "que": {}, "para": {}, "los": {}, "las": {},
	"del": {}, "una": {}, "con": {}, "por": {},
}

// ChunkStore persists embedded chunks between restarts.
type ChunkStore interface {
	ReplaceChunks(chunks []domain.Chunk) error
	ListChunks() ([]domain.Chunk, error)
}

// Result is one search hit.
type Result struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Stats summarizes the loaded index.
type Stats struct {
	TotalDocs   int        `json:"totalDocs"`
	TotalChunks int        `json:"totalChunks"`
	LastIndexed *time.Time `json:"lastIndexed"`
	IsIndexing  bool       `json:"isIndexing"`
}

// DocumentInfo lists an indexed document and how many chunks it produced.
type DocumentInfo struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}

// RebuildResult reports what a rebuild indexed.
type RebuildResult struct {
	Status string `json:"status"`
	Docs   int    `json:"docs"`
	Chunks int    `json:"chunks"`
}

// Index holds the embedded chunks in memory.
type Index struct {
	store    ChunkStore
	embedder ai.Embedder
	docs     DocumentSource

	mu          sync.RWMutex
	chunks      []domain.Chunk
	totalDocs   int
	lastIndexed *time.Time
	indexing    atomic.Bool
}

// New builds an empty index. Call Load to restore persisted chunks.
func New(store ChunkStore, embedder ai.Embedder, docs DocumentSource) *Index {
	return &Index{store: store, embedder: embedder, docs: docs}
}

// Load replaces the in-memory index with the persisted chunks.
func (x *Index) Load() error {
	chunks, err := x.store.ListChunks()
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	x.swap(chunks)
	return nil
}

func (x *Index) swap(chunks []domain.Chunk) {
	sources := make(map[string]struct{})
	var last time.Time
	for _, c := range chunks {
		sources[c.Source] = struct{}{}
		if c.CreatedAt.After(last) {
			last = c.CreatedAt
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.chunks = chunks
	x.totalDocs = len(sources)
	if !last.IsZero() {
		x.lastIndexed = &last
	}
}

// Stats returns the current index counters.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		TotalDocs:   x.totalDocs,
		TotalChunks: len(x.chunks),
		LastIndexed: x.lastIndexed,
		IsIndexing:  x.indexing.Load(),
	}
}

// IndexedChunks reports how many chunks are searchable.
func (x *Index) IndexedChunks() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

// Documents lists indexed documents in first-seen order.
func (x *Index) Documents() []DocumentInfo {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pos := make(map[string]int)
	var out []DocumentInfo
	for _, c := range x.chunks {
		i, ok := pos[c.Source]
		if !ok {
			i = len(out)
			pos[c.Source] = i
			out = append(out, DocumentInfo{Source: c.Source})
		}
		out[i].Chunks++
	}
	return out
}

// Search ranks chunks by cosine similarity to query, adding a small boost
// per query word found in the document name.
func (x *Index) Search(ctx context.Context, query string, topK int, minScore float64) ([]Result, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	x.mu.RLock()
	chunks := x.chunks
	x.mu.RUnlock()
	if len(chunks) == 0 {
		return []Result{}, nil
	}
	queryVec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if _, stop := boostStopwords[w]; stop || len([]rune(w)) <= 2 {
			continue
		}
		words = append(words, w)
	}

	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		score := cosine(queryVec, c.Embedding)
		source := strings.ToLower(c.Source)
		for _, w := range words {
			if strings.Contains(source, w) {
				score += sourceBoost
			}
		}
		score = math.Min(score, 1.0)
		if score >= minScore {
			results = append(results, Result{Text: c.Text, Source: c.Source, Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosine(a, b []float32) float64 {
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

// Context renders the document-index fragment for message, or "" when no
// chunk clears the relevance threshold.
func (x *Index) Context(ctx context.Context, message string) (string, error) {
	results, err := x.Search(ctx, message, defaultTopK, defaultMinScore)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("[Fuente: %s | Relevancia: %.0f%%]\n%s", r.Source, r.Score*100, r.Text))
	}
	return contextHeader + strings.Join(parts, "\n\n---\n\n") + contextFooter, nil
}

// Rebuild reloads every document, re-embeds all chunks and atomically
// replaces the stored index.
func (x *Index) Rebuild(ctx context.Context) (RebuildResult, error) {
	if !x.indexing.CompareAndSwap(false, true) {
		return RebuildResult{Status: "already_indexing"}, ErrIndexing
	}
	defer x.indexing.Store(false)
	logger := util.LoggerFromContext(ctx)

	docs, err := x.docs.Documents(ctx)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("read documents: %w", err)
	}
	var pieces []chunk
	for _, doc := range docs {
		pieces = append(pieces, chunkDocument(doc.Content, doc.Source, chunkWords, chunkOverlap)...)
	}
	logger.Info("knowledge_chunked", "docs", len(docs), "chunks", len(pieces))

	now := time.Now().UTC()
	vectors, err := x.embedAll(ctx, pieces)
	if err != nil {
		return RebuildResult{}, err
	}
	chunks := make([]domain.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = domain.Chunk{
			ID:        util.NewID(),
			Source:    p.Source,
			Text:      p.Text,
			Embedding: vectors[i],
			CreatedAt: now,
		}
	}
	if err := x.store.ReplaceChunks(chunks); err != nil {
		return RebuildResult{}, fmt.Errorf("store chunks: %w", err)
	}
	x.swap(chunks)
	x.mu.Lock()
	x.totalDocs = len(docs)
	x.lastIndexed = &now
	x.mu.Unlock()
	logger.Info("knowledge_indexed", "docs", len(docs), "chunks", len(chunks))
	return RebuildResult{Status: "ok", Docs: len(docs), Chunks: len(chunks)}, nil
}

// embedAll embeds pieces concurrently, in batches when the embedder
// supports it.
func (x *Index) embedAll(ctx context.Context, pieces []chunk) ([][]float32, error) {
	vectors := make([][]float32, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	if batcher, ok := x.embedder.(ai.BatchEmbedder); ok {
		for start := 0; start < len(pieces); start += embedBatch {
			start := start
			end := min(start+embedBatch, len(pieces))
			g.Go(func() error {
				texts := make([]string, 0, end-start)
				for _, p := range pieces[start:end] {
					texts = append(texts, p.Text)
				}
				out, err := batcher.EmbedBatch(gctx, texts)
				if err != nil {
					return fmt.Errorf("embed %s: %w", pieces[start].Source, err)
				}
				if len(out) != len(texts) {
					return fmt.Errorf("embed %s: got %d vectors for %d chunks", pieces[start].Source, len(out), len(texts))
				}
				copy(vectors[start:end], out)
				return nil
			})
		}
		return vectors, g.Wait()
	}

	for i, p := range pieces {
		i, p := i, p
		g.Go(func() error {
			vec, err := x.embedder.Embed(gctx, p.Text)
			if err != nil {
				return fmt.Errorf("embed %s: %w", p.Source, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	return vectors, g.Wait()
}

const contextHeader = `
---
## Documentación interna encontrada

A continuación tienes fragmentos de documentos internos de la empresa que son relevantes para la pregunta del usuario:

`

const contextFooter = `

## INSTRUCCIONES PARA USAR ESTA INFORMACIÓN (OBLIGATORIO):

1. **NO copies los fragmentos textualmente**. Interpreta, sintetiza y reformula la información con tus propias palabras de forma clara y amigable.
2. **Habla como un compañero experto** que explica las cosas de forma sencilla, no como un documento legal o un manual técnico.
3. **Adapta el nivel de detalle** al usuario: si es una pregunta simple, da una respuesta corta y directa. Si es compleja, estructura bien la respuesta con pasos claros.
4. **Si hay datos concretos** (montos, plazos, requisitos, nombres), inclúyelos con precisión — esos no los parafrasees.
5. **Menciona la fuente solo al final** de forma sutil, ej: _"Esto está en la política de vacaciones"_ o _"Según el manual de compras..."_. No pongas códigos de relevancia ni porcentajes.
6. **Si la información es parcial o insuficiente**, di lo que sí sabes y sugiere con quién contactar para completar la respuesta.
7. **Nunca digas** "según los fragmentos proporcionados" ni "la documentación dice" de forma robótica. Habla como si conocieras la empresa.
---
`
