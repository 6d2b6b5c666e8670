package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aihub/medrag/internal/memory"
	"github.com/aihub/medrag/internal/metrics"
)

const notFound = "I could not find relevant information in the provided documents."

func seedIndex(t *testing.T, records ...VectorRecord) *MemoryVectorIndex {
	t.Helper()
	index := NewMemoryVectorIndex(testDim)
	require.NoError(t, index.Upsert(context.Background(), records))
	return index
}

func rec(id, role, source string, page int, text string) VectorRecord {
	return VectorRecord{
		ID:     id,
		Values: []float32{1, 0, 0, 0},
		Metadata: ChunkMetadata{
			Source: source, DocID: strings.Split(id, "-")[0], Role: role, Page: page, Text: text,
		},
	}
}

func newTestEngine(index VectorIndex, llmClient *MockLLM, store memory.Store, opts QueryOptions) *QueryEngine {
	return NewQueryEngine(QueryEngineDeps{
		Embedder: &constEmbedder{},
		Index:    index,
		LLM:      llmClient,
		Memory:   store,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	}, opts)
}

func TestAnswer_RoleFilterNoLeak(t *testing.T) {
	index := seedIndex(t, rec("d1-0", "doctor", "oncology.pdf", 0, "SECRET dosing protocol"))
	llmClient := new(MockLLM)
	var prompt string
	llmClient.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { prompt = args.String(1) }).
		Return(notFound, nil)
	store := newMemStore()

	engine := newTestEngine(index, llmClient, store, DefaultQueryOptions())
	result, err := engine.Answer(context.Background(), "What is the dosing protocol?", "patient", "u1")
	require.NoError(t, err)

	assert.Equal(t, notFound, result.Answer)
	assert.Equal(t, ConfidenceMedium, result.Confidence)
	assert.Empty(t, result.Sources)
	assert.NotContains(t, prompt, "SECRET")
	assert.Contains(t, prompt, "Context:\n"+NoRelevantInfo)
}

func TestAnswer_ConfidenceHighAtThreshold(t *testing.T) {
	index := seedIndex(t,
		rec("a-0", "doctor", "a.pdf", 0, "one"),
		rec("a-1", "doctor", "a.pdf", 1, "two"),
		rec("a-2", "doctor", "b.pdf", 2, "three"),
		rec("a-3", "nurse", "c.pdf", 0, "nurse only"),
	)
	llmClient := new(MockLLM)
	var prompt string
	llmClient.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { prompt = args.String(1) }).
		Return("answer", nil)

	engine := newTestEngine(index, llmClient, newMemStore(), DefaultQueryOptions())
	result, err := engine.Answer(context.Background(), "q", "doctor", "u1")
	require.NoError(t, err)

	assert.Equal(t, ConfidenceHigh, result.Confidence)
	assert.Equal(t, []string{"a.pdf (Page 0)", "a.pdf (Page 1)", "b.pdf (Page 2)"}, result.Sources)
	assert.Contains(t, prompt, "[Source: a.pdf, Page: 0] one\n[Source: a.pdf, Page: 1] two\n[Source: b.pdf, Page: 2] three")
	assert.NotContains(t, prompt, "nurse only")
}

func TestAnswer_ConfidenceMediumBelowThreshold(t *testing.T) {
	index := seedIndex(t,
		rec("a-0", "doctor", "a.pdf", 0, "one"),
		rec("a-1", "doctor", "a.pdf", 1, "two"),
	)
	llmClient := new(MockLLM)
	llmClient.On("Generate", mock.Anything, mock.Anything).Return("answer", nil)

	engine := newTestEngine(index, llmClient, newMemStore(), DefaultQueryOptions())
	result, err := engine.Answer(context.Background(), "q", "doctor", "u1")
	require.NoError(t, err)
	assert.Equal(t, ConfidenceMedium, result.Confidence)
}

func TestAnswer_TopKAppliedBeforeFilter(t *testing.T) {
	// 前5个都是nurse的记录，doctor的记录排在第6位，不会出现在上下文中
	var records []VectorRecord
	for i := 0; i < 5; i++ {
		records = append(records, rec(fmt.Sprintf("a-%d", i), "nurse", "n.pdf", i, "nurse text"))
	}
	records = append(records, rec("z-0", "doctor", "d.pdf", 0, "doctor text"))
	index := seedIndex(t, records...)

	llmClient := new(MockLLM)
	var prompt string
	llmClient.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { prompt = args.String(1) }).
		Return("answer", nil)

	engine := newTestEngine(index, llmClient, newMemStore(), DefaultQueryOptions())
	result, err := engine.Answer(context.Background(), "q", "doctor", "u1")
	require.NoError(t, err)
	assert.Equal(t, ConfidenceMedium, result.Confidence)
	assert.NotContains(t, prompt, "doctor text")

	// 开启索引侧预过滤后可以检索到
	opts := DefaultQueryOptions()
	opts.RolePrefilter = true
	engine = newTestEngine(index, llmClient, newMemStore(), opts)
	_, err = engine.Answer(context.Background(), "q", "doctor", "u1")
	require.NoError(t, err)
	assert.Contains(t, prompt, "doctor text")
}

func TestAnswer_MemoryGrowsByTwoInOrder(t *testing.T) {
	index := seedIndex(t)
	llmClient := new(MockLLM)
	llmClient.On("Generate", mock.Anything, mock.Anything).Return("first answer", nil).Once()
	llmClient.On("Generate", mock.Anything, mock.Anything).Return("second answer", nil).Once()
	store := newMemStore()

	engine := newTestEngine(index, llmClient, store, DefaultQueryOptions())
	_, err := engine.Answer(context.Background(), "first question", "doctor", "u1")
	require.NoError(t, err)
	require.Len(t, store.get("u1"), 2)

	_, err = engine.Answer(context.Background(), "second question", "doctor", "u1")
	require.NoError(t, err)

	assert.Equal(t, []memory.Turn{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
		{Role: "assistant", Content: "second answer"},
	}, store.get("u1"))
	assert.Empty(t, store.get("u2"))
}

func TestAnswer_ThirdQuerySeesBothExchanges(t *testing.T) {
	llmClient := new(MockLLM)
	var prompts []string
	for _, answer := range []string{"first answer", "second answer", "third answer", "fourth answer"} {
		llmClient.On("Generate", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { prompts = append(prompts, args.String(1)) }).
			Return(answer, nil).Once()
	}

	engine := newTestEngine(seedIndex(t), llmClient, newMemStore(), DefaultQueryOptions())
	for _, q := range []string{"first question", "second question", "third question", "fourth question"} {
		_, err := engine.Answer(context.Background(), q, "nurse", "u1")
		require.NoError(t, err)
	}
	require.Len(t, prompts, 4)

	assert.NotContains(t, prompts[0], "User: ")
	assert.Contains(t, prompts[2], "Conversation history so far:\n"+
		"User: first question\nAssistant: first answer\n"+
		"User: second question\nAssistant: second answer\n")

	// 第四次只保留最近5条
	assert.Contains(t, prompts[3], "Conversation history so far:\n"+
		"Assistant: first answer\n"+
		"User: second question\nAssistant: second answer\n"+
		"User: third question\nAssistant: third answer\n")
	assert.NotContains(t, prompts[3], "first question")
}

func TestAnswer_HistoryWindowLastFiveOldestFirst(t *testing.T) {
	store := newMemStore()
	var seeded []memory.Turn
	for i := 0; i < 8; i++ {
		seeded = append(seeded, memory.Turn{Role: "user", Content: fmt.Sprintf("turn-%d", i)})
	}
	require.NoError(t, store.Save(context.Background(), "u1", seeded))

	llmClient := new(MockLLM)
	var prompt string
	llmClient.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { prompt = args.String(1) }).
		Return("ok", nil)

	engine := newTestEngine(seedIndex(t), llmClient, store, DefaultQueryOptions())
	_, err := engine.Answer(context.Background(), "now", "doctor", "u1")
	require.NoError(t, err)

	assert.Contains(t, prompt, "Conversation history so far:\nUser: turn-3\nUser: turn-4\nUser: turn-5\nUser: turn-6\nUser: turn-7\n")
	assert.NotContains(t, prompt, "turn-2")
	assert.Len(t, store.get("u1"), 10)
}

func TestAnswer_StructuredOutput(t *testing.T) {
	index := seedIndex(t, rec("a-0", "doctor", "a.pdf", 0, "one"))
	llmClient := new(MockLLM)
	llmClient.On("Generate", mock.Anything, mock.Anything).
		Return("```json\n{\"answer\":\"Use 5mg.\",\"citations\":[\"a.pdf (Page 0)\"],\"confidence\":\"high\"}\n```", nil)
	store := newMemStore()

	engine := newTestEngine(index, llmClient, store, DefaultQueryOptions())
	result, err := engine.Answer(context.Background(), "q", "doctor", "u1")
	require.NoError(t, err)

	assert.Equal(t, "Use 5mg.", result.Answer)
	assert.Equal(t, []string{"a.pdf (Page 0)"}, result.Citations)
	assert.Equal(t, ConfidenceMedium, result.Confidence, "model confidence is ignored")
	assert.Equal(t, "Use 5mg.", store.get("u1")[1].Content)
}

func TestAnswer_RawOutputWhenParsingDisabled(t *testing.T) {
	raw := `{"answer":"x"}`
	llmClient := new(MockLLM)
	llmClient.On("Generate", mock.Anything, mock.Anything).Return(raw, nil)

	opts := DefaultQueryOptions()
	opts.ParseStructured = false
	opts.ExposeSources = false
	engine := newTestEngine(seedIndex(t, rec("a-0", "doctor", "a.pdf", 0, "one")), llmClient, newMemStore(), opts)
	result, err := engine.Answer(context.Background(), "q", "doctor", "u1")
	require.NoError(t, err)
	assert.Equal(t, raw, result.Answer)
	assert.Nil(t, result.Sources)
}

func TestAnswer_FailuresDoNotTouchMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("llm", func(t *testing.T) {
		llmClient := new(MockLLM)
		llmClient.On("Generate", mock.Anything, mock.Anything).Return("", errBoom)
		store := newMemStore()
		engine := newTestEngine(seedIndex(t), llmClient, store, DefaultQueryOptions())

		_, err := engine.Answer(ctx, "q", "doctor", "u1")
		assert.ErrorIs(t, err, errBoom)
		assert.Empty(t, store.get("u1"))
	})

	t.Run("index", func(t *testing.T) {
		index := new(MockIndex)
		index.On("Query", mock.Anything, mock.Anything).Return(nil, errBoom)
		llmClient := new(MockLLM)
		store := newMemStore()
		engine := newTestEngine(index, llmClient, store, DefaultQueryOptions())

		_, err := engine.Answer(ctx, "q", "doctor", "u1")
		assert.ErrorIs(t, err, errBoom)
		llmClient.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
		assert.Empty(t, store.get("u1"))
	})

	t.Run("embedder", func(t *testing.T) {
		llmClient := new(MockLLM)
		store := newMemStore()
		engine := NewQueryEngine(QueryEngineDeps{
			Embedder: &constEmbedder{err: errBoom},
			Index:    seedIndex(t),
			LLM:      llmClient,
			Memory:   store,
		}, DefaultQueryOptions())

		_, err := engine.Answer(ctx, "q", "doctor", "u1")
		assert.ErrorIs(t, err, errBoom)
		assert.Empty(t, store.get("u1"))
	})

	t.Run("memory save", func(t *testing.T) {
		llmClient := new(MockLLM)
		llmClient.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)
		store := newMemStore()
		store.saveErr = errBoom
		engine := newTestEngine(seedIndex(t), llmClient, store, DefaultQueryOptions())

		_, err := engine.Answer(ctx, "q", "doctor", "u1")
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("empty query", func(t *testing.T) {
		engine := newTestEngine(seedIndex(t), new(MockLLM), newMemStore(), DefaultQueryOptions())
		_, err := engine.Answer(ctx, "   ", "doctor", "u1")
		assert.ErrorIs(t, err, ErrEmptyQuery)
	})
}

func TestAnswer_ConcurrentSameUserBothRecorded(t *testing.T) {
	llmClient := new(MockLLM)
	llmClient.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)
	store := newMemStore()
	engine := newTestEngine(seedIndex(t), llmClient, store, DefaultQueryOptions())

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Answer(context.Background(), fmt.Sprintf("q%d", i), "doctor", "u1")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns := store.get("u1")
	require.Len(t, turns, 2*n)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, "user", turns[i].Role)
		assert.Equal(t, "assistant", turns[i+1].Role)
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	turns []string
	err   error
}

func (p *recordingPublisher) PublishTurn(ctx context.Context, userID, role, question string, result *QueryResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, userID+"|"+question+"|"+result.Answer)
	return p.err
}

func TestAnswer_PublishesTurn(t *testing.T) {
	llmClient := new(MockLLM)
	llmClient.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)
	pub := &recordingPublisher{err: errBoom}

	engine := NewQueryEngine(QueryEngineDeps{
		Embedder:  &constEmbedder{},
		Index:     seedIndex(t),
		LLM:       llmClient,
		Memory:    newMemStore(),
		Publisher: pub,
	}, DefaultQueryOptions())

	_, err := engine.Answer(context.Background(), "hello", "doctor", "u9")
	require.NoError(t, err, "publish failures are not surfaced")
	assert.Equal(t, []string{"u9|hello|ok"}, pub.turns)
}

func TestFilterByRole(t *testing.T) {
	matches := []Match{
		{ID: "1", Metadata: ChunkMetadata{Role: "doctor"}},
		{ID: "2", Metadata: ChunkMetadata{Role: "Doctor"}},
		{ID: "3", Metadata: ChunkMetadata{Role: "doctor"}},
	}
	got := FilterByRole(matches, "doctor")
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}
