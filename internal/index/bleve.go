// Package index maintains the searchable tool index behind smart discovery.
package index

import (
	"fmt"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"
)

// ToolDocument represents a tool document in the index
type ToolDocument struct {
	ToolName    string `json:"tool_name"`
	ServerName  string `json:"server_name"`
	Description string `json:"description"`
	ParamsJSON  string `json:"params_json"`
}

// Record is one tool to index or one raw search hit.
type Record struct {
	Server      string
	Tool        string
	Description string
	ParamsJSON  string
	Score       float64
}

// BleveIndex wraps Bleve index operations
type BleveIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewBleveIndex opens or creates the index under dataDir. An empty dataDir
// builds an in-memory index (used by tests).
func NewBleveIndex(dataDir string, logger *zap.Logger) (*BleveIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dataDir == "" {
		index, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		return &BleveIndex{index: index, logger: logger}, nil
	}

	indexPath := filepath.Join(dataDir, "index.bleve")
	index, err := bleve.Open(indexPath)
	if err != nil {
		logger.Info("Creating new Bleve index", zap.String("path", indexPath))
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create Bleve index: %w", err)
		}
	} else {
		logger.Info("Opened existing Bleve index", zap.String("path", indexPath))
	}

	return &BleveIndex{index: index, logger: logger}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	toolMapping := bleve.NewDocumentMapping()

	// Tool and server names: keyword analyzer for exact matching.
	toolNameField := bleve.NewTextFieldMapping()
	toolNameField.Analyzer = keyword.Name
	toolNameField.Store = true
	toolMapping.AddFieldMappingsAt("tool_name", toolNameField)

	serverNameField := bleve.NewTextFieldMapping()
	serverNameField.Analyzer = keyword.Name
	serverNameField.Store = true
	toolMapping.AddFieldMappingsAt("server_name", serverNameField)

	// Description and params: standard analyzer for full-text search.
	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	descriptionField.Store = true
	toolMapping.AddFieldMappingsAt("description", descriptionField)

	paramsField := bleve.NewTextFieldMapping()
	paramsField.Analyzer = standard.Name
	paramsField.Store = true
	toolMapping.AddFieldMappingsAt("params_json", paramsField)

	indexMapping.AddDocumentMapping("tool", toolMapping)
	indexMapping.DefaultMapping = toolMapping
	return indexMapping
}

// Close closes the index
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// docID uses server:tool format for uniqueness.
func docID(server, tool string) string {
	return fmt.Sprintf("%s:%s", server, tool)
}

// BatchIndex indexes multiple tools in a single batch.
func (b *BleveIndex) BatchIndex(records []Record) error {
	batch := b.index.NewBatch()
	for _, r := range records {
		doc := &ToolDocument{
			ToolName:    r.Tool,
			ServerName:  r.Server,
			Description: r.Description,
			ParamsJSON:  r.ParamsJSON,
		}
		if err := batch.Index(docID(r.Server, r.Tool), doc); err != nil {
			return fmt.Errorf("batch index %s: %w", docID(r.Server, r.Tool), err)
		}
	}
	b.logger.Debug("Batch indexing tools", zap.Int("count", len(records)))
	return b.index.Batch(batch)
}

// DeleteServerTools removes all tools from a specific server.
func (b *BleveIndex) DeleteServerTools(serverName string) error {
	query := bleve.NewTermQuery(serverName)
	query.SetField("server_name")

	searchReq := bleve.NewSearchRequest(query)
	searchReq.Size = 1000
	searchReq.Fields = []string{"tool_name"}

	searchResult, err := b.index.Search(searchReq)
	if err != nil {
		return fmt.Errorf("failed to search for server tools: %w", err)
	}

	batch := b.index.NewBatch()
	for _, hit := range searchResult.Hits {
		batch.Delete(hit.ID)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete server tools: %w", err)
	}

	b.logger.Debug("Deleted tools from server",
		zap.Int("count", len(searchResult.Hits)),
		zap.String("server", serverName))
	return nil
}

// SearchTools searches for tools using BM25 scoring. Raw hit scores are
// returned as-is; normalization happens in the manager.
func (b *BleveIndex) SearchTools(query string, limit int) ([]Record, error) {
	if query == "" {
		return nil, fmt.Errorf("search query cannot be empty")
	}

	matchQuery := bleve.NewMatchQuery(query)
	searchReq := bleve.NewSearchRequest(matchQuery)
	searchReq.Size = limit
	searchReq.Fields = []string{"tool_name", "server_name", "description", "params_json"}

	searchResult, err := b.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Record, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		results = append(results, Record{
			Tool:        getStringField(hit.Fields, "tool_name"),
			Server:      getStringField(hit.Fields, "server_name"),
			Description: getStringField(hit.Fields, "description"),
			ParamsJSON:  getStringField(hit.Fields, "params_json"),
			Score:       hit.Score,
		})
	}
	return results, nil
}

// DocCount returns the number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

func getStringField(fields map[string]interface{}, fieldName string) string {
	if val, ok := fields[fieldName]; ok {
		if strVal, ok := val.(string); ok {
			return strVal
		}
	}
	return ""
}
