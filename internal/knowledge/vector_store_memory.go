package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryVectorIndex 进程内向量索引，精确点积检索，用于开发环境和测试
type MemoryVectorIndex struct {
	mu      sync.RWMutex
	dim     int
	records map[string]VectorRecord
}

func NewMemoryVectorIndex(dim int) *MemoryVectorIndex {
	if dim <= 0 {
		dim = 768
	}
	return &MemoryVectorIndex{
		dim:     dim,
		records: make(map[string]VectorRecord),
	}
}

func (s *MemoryVectorIndex) Upsert(ctx context.Context, records []VectorRecord) error {
	if err := checkDimensions(records, s.dim); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		values := make([]float32, len(rec.Values))
		copy(values, rec.Values)
		rec.Values = values
		s.records[rec.ID] = rec
	}
	return nil
}

func (s *MemoryVectorIndex) Query(ctx context.Context, q VectorQuery) ([]Match, error) {
	if len(q.Vector) == 0 {
		return nil, nil
	}
	if len(q.Vector) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", ErrDimensionMismatch, len(q.Vector), s.dim)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	s.mu.RLock()
	matches := make([]Match, 0, len(s.records))
	for _, rec := range s.records {
		if q.Role != "" && rec.Metadata.Role != q.Role {
			continue
		}
		matches = append(matches, Match{
			ID:       rec.ID,
			Score:    dot(q.Vector, rec.Values),
			Metadata: rec.Metadata,
		})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Len 当前记录数
func (s *MemoryVectorIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryVectorIndex) Ready() bool {
	return true
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
