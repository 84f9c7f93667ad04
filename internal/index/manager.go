package index

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SearchHit is one scored result with the score normalized to [0,1].
type SearchHit struct {
	Server      string  `json:"server"`
	Tool        string  `json:"tool"`
	Description string  `json:"description"`
	ParamsJSON  string  `json:"paramsJson,omitempty"`
	Score       float64 `json:"score"`
}

// Scorer is the optional embedding backend used instead of BM25 when smart
// routing is configured.
type Scorer interface {
	IndexServer(ctx context.Context, server string, records []Record) error
	RemoveServer(server string)
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

// Manager serializes index updates and searches, and normalizes scores.
type Manager struct {
	mu     sync.Mutex
	bleve  *BleveIndex
	scorer Scorer
	logger *zap.Logger
}

// NewManager wraps the bleve index; scorer may be nil.
func NewManager(bleve *BleveIndex, scorer Scorer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{bleve: bleve, scorer: scorer, logger: logger}
}

// UpdateServerTools replaces the indexed tools of a server.
func (m *Manager) UpdateServerTools(ctx context.Context, server string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.bleve.DeleteServerTools(server); err != nil {
		return err
	}
	if len(records) > 0 {
		if err := m.bleve.BatchIndex(records); err != nil {
			return err
		}
	}
	if m.scorer != nil {
		if err := m.scorer.IndexServer(ctx, server, records); err != nil {
			// The BM25 index stays usable; log and carry on.
			m.logger.Warn("embedding index update failed",
				zap.String("server", server), zap.Error(err))
		}
	}
	m.logger.Debug("index updated",
		zap.String("server", server), zap.Int("tools", len(records)))
	return nil
}

// RemoveServer drops all of a server's tools from the index.
func (m *Manager) RemoveServer(ctx context.Context, server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scorer != nil {
		m.scorer.RemoveServer(server)
	}
	return m.bleve.DeleteServerTools(server)
}

// Search returns hits scored in [0,1]. With an embedding scorer the score is
// cosine similarity; otherwise BM25 scores are normalized by the best hit.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	m.mu.Lock()
	scorer := m.scorer
	m.mu.Unlock()

	if scorer != nil {
		hits, err := scorer.Search(ctx, query, limit)
		if err == nil {
			return hits, nil
		}
		m.logger.Warn("embedding search failed, falling back to BM25", zap.Error(err))
	}

	m.mu.Lock()
	records, err := m.bleve.SearchTools(query, limit)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var best float64
	for _, r := range records {
		if r.Score > best {
			best = r.Score
		}
	}

	hits := make([]SearchHit, 0, len(records))
	for _, r := range records {
		score := 0.0
		if best > 0 {
			score = r.Score / best
		}
		hits = append(hits, SearchHit{
			Server:      r.Server,
			Tool:        r.Tool,
			Description: r.Description,
			ParamsJSON:  r.ParamsJSON,
			Score:       score,
		})
	}
	return hits, nil
}

// Close closes the underlying index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bleve.Close()
}
