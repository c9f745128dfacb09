// Package cache provides caching for analysis result payloads and decoded
// matrices.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/protquant/server/internal/matrix"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	MatrixCacheSize   int
}

// Manager manages the result payload cache and the decoded matrix cache.
// Result payloads are zstd-compressed JSON; matrices are kept decoded in a
// typed LRU so repeated reads of the same job skip decompression.
type Manager struct {
	results  *bigcache.BigCache
	matrices *lru.Cache[string, *matrix.Matrix]
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	resultConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       1024 * 1024, // 1MB per result payload
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	results, err := bigcache.New(context.Background(), resultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	matrices, err := lru.New[string, *matrix.Matrix](cfg.MatrixCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix cache: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{results: results, matrices: matrices, enc: enc, dec: dec}, nil
}

// GetResult retrieves a result payload from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	compressed, err := m.results.Get(key)
	if err != nil {
		return nil, false
	}
	data, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores a result payload in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.results.Set(key, m.enc.EncodeAll(data, nil))
}

// GetMatrix retrieves a decoded matrix from cache.
func (m *Manager) GetMatrix(key string) (*matrix.Matrix, bool) {
	return m.matrices.Get(key)
}

// SetMatrix stores a decoded matrix in cache.
func (m *Manager) SetMatrix(key string, mx *matrix.Matrix) {
	m.matrices.Add(key, mx)
}

// ResultKey generates a cache key for a job's paginated result view.
func ResultKey(jobID, orderBy string, offset, limit int) string {
	return fmt.Sprintf("result:%s:%s:%d:%d", jobID, orderBy, offset, limit)
}

// MatrixKey generates a cache key for a job's stored matrix.
func MatrixKey(jobID, kind string) string {
	return "matrix:" + jobID + ":" + kind
}

// AnalysisKey hashes submitted parameters so identical re-submissions can be
// recognized.
func AnalysisKey(payload []byte) string {
	h := sha256.Sum256(payload)
	return "analysis:" + hex.EncodeToString(h[:])[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len": m.results.Len(),
		"result_cache_cap": m.results.Capacity(),
		"matrix_cache_len": m.matrices.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.enc.Close()
	m.dec.Close()
	return m.results.Close()
}
