// Package storage persists tool-usage statistics and per-server tool-list
// hashes in a bbolt database under the data directory.
package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	toolStatsBucket = "tool_stats"
	toolHashBucket  = "tool_hashes"
)

// Manager wraps the bbolt database.
type Manager struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// ToolStat is one tool's usage count.
type ToolStat struct {
	ToolName string `json:"tool_name"`
	Count    uint64 `json:"count"`
}

// NewManager opens (or creates) the hub database in dataDir.
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dbPath := filepath.Join(dataDir, "mcphub.db")

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{toolStatsBucket, toolHashBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("storage opened", zap.String("path", dbPath))
	return &Manager{db: db, logger: logger}, nil
}

// Close closes the database.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// IncrementToolUsage bumps the call counter for a namespaced tool name.
func (m *Manager) IncrementToolUsage(toolName string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(toolStatsBucket))
		key := []byte(toolName)
		var count uint64
		if v := bucket.Get(key); len(v) == 8 {
			count = binary.BigEndian.Uint64(v)
		}
		count++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, count)
		return bucket.Put(key, buf)
	})
}

// GetToolUsage returns the call counter for a namespaced tool name.
func (m *Manager) GetToolUsage(toolName string) (uint64, error) {
	var count uint64
	err := m.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(toolStatsBucket)).Get([]byte(toolName)); len(v) == 8 {
			count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return count, err
}

// TopTools returns the most-called tools, highest count first.
func (m *Manager) TopTools(limit int) ([]ToolStat, error) {
	if limit <= 0 {
		limit = 10
	}
	var stats []ToolStat
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(toolStatsBucket)).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				stats = append(stats, ToolStat{
					ToolName: string(k),
					Count:    binary.BigEndian.Uint64(v),
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].ToolName < stats[j].ToolName
	})
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// SaveToolHash records the tool-list hash for a server.
func (m *Manager) SaveToolHash(serverName, hash string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(toolHashBucket)).Put([]byte(serverName), []byte(hash))
	})
}

// GetToolHash returns the stored tool-list hash for a server, or empty.
func (m *Manager) GetToolHash(serverName string) (string, error) {
	var hash string
	err := m.db.View(func(tx *bbolt.Tx) error {
		hash = string(tx.Bucket([]byte(toolHashBucket)).Get([]byte(serverName)))
		return nil
	})
	return hash, err
}

// DeleteToolHash removes the stored hash for a server.
func (m *Manager) DeleteToolHash(serverName string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(toolHashBucket)).Delete([]byte(serverName))
	})
}

// HashTools computes a stable hash over a tool list, for cheap change
// detection across reconnects.
func HashTools(tools interface{}) string {
	data, err := json.Marshal(tools)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
