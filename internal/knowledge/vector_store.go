package knowledge

import (
	"context"
	"errors"
	"fmt"
)

// ChunkMetadata 与向量一起存储的元数据
type ChunkMetadata struct {
	Source string `json:"source"`
	DocID  string `json:"doc_id"`
	Role   string `json:"role"`
	Page   int    `json:"page"`
	Text   string `json:"text"`
}

// VectorRecord 写入向量索引的一条记录，ID形如 "<doc_id>-<seq>"
type VectorRecord struct {
	ID       string
	Values   []float32
	Metadata ChunkMetadata
}

// VectorQuery 向量检索请求
type VectorQuery struct {
	Vector []float32
	TopK   int
	// Role 非空时在索引侧按角色预过滤
	Role string
}

// Match 检索结果，Score越大越相似
type Match struct {
	ID       string
	Score    float32
	Metadata ChunkMetadata
}

// VectorIndex 向量索引抽象
type VectorIndex interface {
	Upsert(ctx context.Context, records []VectorRecord) error
	Query(ctx context.Context, q VectorQuery) ([]Match, error)
	Ready() bool
}

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

func checkDimensions(records []VectorRecord, dim int) error {
	for _, rec := range records {
		if len(rec.Values) != dim {
			return fmt.Errorf("%w: record %s has %d, index expects %d", ErrDimensionMismatch, rec.ID, len(rec.Values), dim)
		}
	}
	return nil
}
