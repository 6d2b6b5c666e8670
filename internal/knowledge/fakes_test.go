package knowledge

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aihub/medrag/internal/memory"
	"github.com/stretchr/testify/mock"
)

const testDim = 4

// constEmbedder 所有文本映射到同一个向量，检索结果按ID排序
type constEmbedder struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (e *constEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0, 0}, nil
}

func (e *constEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (e *constEmbedder) Dimensions() int { return testDim }
func (e *constEmbedder) Ready() bool     { return true }

// MockLLM 记录prompt的LLM
type MockLLM struct {
	mock.Mock
}

func (m *MockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func (m *MockLLM) Ready() bool { return true }

// MockIndex 可编排返回值的向量索引
type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Upsert(ctx context.Context, records []VectorRecord) error {
	args := m.Called(ctx, records)
	if fn, ok := args.Get(0).(func(context.Context, []VectorRecord) error); ok {
		return fn(ctx, records)
	}
	return args.Error(0)
}

func (m *MockIndex) Query(ctx context.Context, q VectorQuery) ([]Match, error) {
	args := m.Called(ctx, q)
	matches, _ := args.Get(0).([]Match)
	return matches, args.Error(1)
}

func (m *MockIndex) Ready() bool { return true }

// memStore 进程内记忆存储
type memStore struct {
	mu      sync.Mutex
	data    map[string][]memory.Turn
	saveErr error
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]memory.Turn)}
}

func (s *memStore) Load(ctx context.Context, userID string) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	turns := make([]memory.Turn, len(s.data[userID]))
	copy(turns, s.data[userID])
	return turns, nil
}

func (s *memStore) Save(ctx context.Context, userID string, turns []memory.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.data[userID] = append([]memory.Turn(nil), turns...)
	return nil
}

func (s *memStore) get(userID string) []memory.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[userID]
}

// recordingStore 记录保存的文件名
type recordingStore struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (s *recordingStore) Save(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.names = append(s.names, name)
	return "mem://" + name, nil
}

var errBoom = errors.New("boom")
