package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/zxerai/mcphub/internal/config"
)

const defaultEmbeddingModel = "text-embedding-3-small"

type embeddedDoc struct {
	record Record
	vector []float32
}

// EmbeddingScorer scores tools by cosine similarity of OpenAI-compatible
// embeddings. Vectors are kept in memory and rebuilt per server update.
type EmbeddingScorer struct {
	client *openai.Client
	model  openai.EmbeddingModel
	logger *zap.Logger

	mu   sync.RWMutex
	docs map[string][]embeddedDoc // keyed by server name
}

var _ Scorer = (*EmbeddingScorer)(nil)

// NewEmbeddingScorer builds a scorer from the smart routing section.
func NewEmbeddingScorer(cfg *config.SmartRoutingConfig, logger *zap.Logger) *EmbeddingScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIAPIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIAPIBaseURL
	}
	model := cfg.OpenAIAPIEmbeddingModel
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &EmbeddingScorer{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(model),
		logger: logger,
		docs:   make(map[string][]embeddedDoc),
	}
}

// IndexServer embeds the server's tool descriptions in one request.
func (s *EmbeddingScorer) IndexServer(ctx context.Context, server string, records []Record) error {
	if len(records) == 0 {
		s.mu.Lock()
		delete(s.docs, server)
		s.mu.Unlock()
		return nil
	}

	inputs := make([]string, len(records))
	for i, r := range records {
		inputs[i] = fmt.Sprintf("%s: %s", r.Tool, r.Description)
	}

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: s.model,
	})
	if err != nil {
		return fmt.Errorf("embedding request for %s failed: %w", server, err)
	}
	if len(resp.Data) != len(records) {
		return fmt.Errorf("embedding response has %d vectors for %d tools", len(resp.Data), len(records))
	}

	docs := make([]embeddedDoc, len(records))
	for i, r := range records {
		docs[i] = embeddedDoc{record: r, vector: resp.Data[i].Embedding}
	}

	s.mu.Lock()
	s.docs[server] = docs
	s.mu.Unlock()

	s.logger.Debug("embedded server tools",
		zap.String("server", server), zap.Int("tools", len(docs)))
	return nil
}

// RemoveServer drops the server's vectors.
func (s *EmbeddingScorer) RemoveServer(server string) {
	s.mu.Lock()
	delete(s.docs, server)
	s.mu.Unlock()
}

// Search embeds the query and ranks all tools by cosine similarity.
func (s *EmbeddingScorer) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{query},
		Model: s.model,
	})
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("query embedding returned no vector")
	}
	qv := resp.Data[0].Embedding

	s.mu.RLock()
	var hits []SearchHit
	for _, docs := range s.docs {
		for _, d := range docs {
			hits = append(hits, SearchHit{
				Server:      d.record.Server,
				Tool:        d.record.Tool,
				Description: d.record.Description,
				ParamsJSON:  d.record.ParamsJSON,
				Score:       Cosine(qv, d.vector),
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Cosine computes cosine similarity clamped to [0,1]; negative similarity
// maps to zero so scores stay comparable with the BM25 path.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
