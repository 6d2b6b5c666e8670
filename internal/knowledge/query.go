package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aihub/medrag/internal/llm"
	"github.com/aihub/medrag/internal/memory"
	"github.com/aihub/medrag/internal/metrics"
	"go.uber.org/zap"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// QueryResult 问答结果，Confidence只由过滤后的上下文数量决定
type QueryResult struct {
	Answer     string   `json:"answer"`
	Confidence string   `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
	Citations  []string `json:"citations,omitempty"`
}

// TurnPublisher 对话完成后的通知，可选
type TurnPublisher interface {
	PublishTurn(ctx context.Context, userID, role, question string, result *QueryResult) error
}

var ErrEmptyQuery = errors.New("query is empty")

type QueryOptions struct {
	TopK              int
	HistoryWindow     int
	HighConfidenceMin int
	RolePrefilter     bool
	ExposeSources     bool
	ParseStructured   bool
}

// DefaultQueryOptions 与原服务一致的默认值
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{
		TopK:              5,
		HistoryWindow:     5,
		HighConfidenceMin: 3,
		ExposeSources:     true,
		ParseStructured:   true,
	}
}

// QueryEngine 检索增强问答
type QueryEngine struct {
	embedder  Embedder
	index     VectorIndex
	llm       llm.Client
	memory    memory.Store
	locker    memory.Locker
	publisher TurnPublisher
	opts      QueryOptions
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type QueryEngineDeps struct {
	Embedder  Embedder
	Index     VectorIndex
	LLM       llm.Client
	Memory    memory.Store
	Locker    memory.Locker
	Publisher TurnPublisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func NewQueryEngine(deps QueryEngineDeps, opts QueryOptions) *QueryEngine {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.HighConfidenceMin <= 0 {
		opts.HighConfidenceMin = 3
	}
	if opts.HistoryWindow < 0 {
		opts.HistoryWindow = 0
	}
	if deps.Locker == nil {
		deps.Locker = memory.NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &QueryEngine{
		embedder:  deps.Embedder,
		index:     deps.Index,
		llm:       deps.LLM,
		memory:    deps.Memory,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		opts:      opts,
		logger:    deps.Logger.Named("query"),
		metrics:   deps.Metrics,
	}
}

// Answer 回答一个问题并把本轮对话追加到用户记忆。
// 同一用户的调用串行执行；失败时不写记忆。
func (e *QueryEngine) Answer(ctx context.Context, query, role, userID string) (*QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	result, filtered, err := e.answer(ctx, query, role, userID)
	if err != nil {
		e.metrics.Query(false, "", 0, time.Since(start))
		e.logger.Error("query failed", zap.String("user_id", userID), zap.String("role", role), zap.Error(err))
		return nil, err
	}
	e.metrics.Query(true, result.Confidence, filtered, time.Since(start))

	if e.publisher != nil {
		if err := e.publisher.PublishTurn(ctx, userID, role, query, result); err != nil {
			e.logger.Warn("publish conversation turn failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return result, nil
}

func (e *QueryEngine) answer(ctx context.Context, query, role, userID string) (*QueryResult, int, error) {
	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("lock memory: %w", err)
	}
	defer unlock()

	history, err := e.memory.Load(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("load memory: %w", err)
	}

	t := time.Now()
	vector, err := e.embedder.EmbedQuery(ctx, query)
	e.metrics.Upstream("embed", err, time.Since(t))
	if err != nil {
		return nil, 0, fmt.Errorf("embed query: %w", err)
	}

	q := VectorQuery{Vector: vector, TopK: e.opts.TopK}
	if e.opts.RolePrefilter {
		q.Role = role
	}
	t = time.Now()
	matches, err := e.index.Query(ctx, q)
	e.metrics.Upstream("index", err, time.Since(t))
	if err != nil {
		return nil, 0, fmt.Errorf("query index: %w", err)
	}

	filtered := FilterByRole(matches, role)
	contextBlock := FormatContext(filtered)
	historyBlock := FormatHistory(history, e.opts.HistoryWindow)

	prompt, err := BuildPrompt(query, contextBlock, historyBlock)
	if err != nil {
		return nil, 0, err
	}

	t = time.Now()
	raw, err := e.llm.Generate(ctx, prompt)
	e.metrics.Upstream("llm", err, time.Since(t))
	if err != nil {
		return nil, 0, fmt.Errorf("generate answer: %w", err)
	}

	result := &QueryResult{
		Answer:     raw,
		Confidence: ConfidenceFor(len(filtered), e.opts.HighConfidenceMin),
	}
	if e.opts.ParseStructured {
		if answer, citations, ok := ParseStructured(raw); ok {
			result.Answer = answer
			result.Citations = citations
		}
	}
	if e.opts.ExposeSources {
		result.Sources = FormatSources(filtered)
	}

	history = append(history,
		memory.Turn{Role: memory.RoleUser, Content: query},
		memory.Turn{Role: memory.RoleAssistant, Content: result.Answer},
	)
	if err := e.memory.Save(ctx, userID, history); err != nil {
		return nil, 0, fmt.Errorf("save memory: %w", err)
	}

	e.logger.Info("query answered",
		zap.String("user_id", userID),
		zap.String("role", role),
		zap.Int("matches", len(matches)),
		zap.Int("filtered", len(filtered)),
		zap.String("confidence", result.Confidence))
	return result, len(filtered), nil
}

// FilterByRole 精确匹配角色，保持检索顺序
func FilterByRole(matches []Match, role string) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Metadata.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// ConfidenceFor 过滤后数量达到阈值为high，否则medium
func ConfidenceFor(filtered, highMin int) string {
	if filtered >= highMin {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}
