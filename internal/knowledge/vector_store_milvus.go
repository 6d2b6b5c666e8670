package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Collection string
	VectorSize int
	Distance   string
	Database   string
	UseTLS     bool
	Timeout    time.Duration
	Logger     *zap.Logger
}

const (
	milvusFieldID     = "id"
	milvusFieldDocID  = "doc_id"
	milvusFieldSource = "source"
	milvusFieldRole   = "role"
	milvusFieldPage   = "page"
	milvusFieldText   = "text"
	milvusFieldVector = "vector"
)

var milvusOutputFields = []string{milvusFieldDocID, milvusFieldSource, milvusFieldRole, milvusFieldPage, milvusFieldText}

type milvusVectorIndex struct {
	milvusClient client.Client
	collection   string
	vectorSize   int
	distance     string
	logger       *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewMilvusVectorIndex 创建Milvus向量索引
func NewMilvusVectorIndex(ctx context.Context, opts MilvusOptions) (VectorIndex, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Collection == "" {
		opts.Collection = "medical_docs"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 768
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	milvusClient, err := client.NewClient(dialCtx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &milvusVectorIndex{
		milvusClient: milvusClient,
		collection:   opts.Collection,
		vectorSize:   opts.VectorSize,
		distance:     formatMilvusDistance(opts.Distance),
		logger:       opts.Logger.Named("milvus"),
	}, nil
}

func formatMilvusDistance(value string) string {
	switch strings.ToUpper(value) {
	case "", "DOT", "IP", "INNER_PRODUCT", "DOTPRODUCT":
		return "IP"
	case "L2", "EUCLIDEAN":
		return "L2"
	default:
		return "COSINE"
	}
}

func (s *milvusVectorIndex) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !hasCollection {
		if err := s.createCollection(ctx); err != nil {
			return err
		}
	}

	if err := s.milvusClient.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", s.collection, err)
	}

	s.ready = true
	return nil
}

func (s *milvusVectorIndex) createCollection(ctx context.Context) error {
	varchar := func(name, maxLen string, primary bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: primary,
			TypeParams: map[string]string{"max_length": maxLen},
		}
	}

	schema := &entity.Schema{
		CollectionName: s.collection,
		Description:    "role-tagged document chunks",
		Fields: []*entity.Field{
			varchar(milvusFieldID, "512", true),
			varchar(milvusFieldDocID, "256", false),
			varchar(milvusFieldSource, "1024", false),
			varchar(milvusFieldRole, "64", false),
			{
				Name:     milvusFieldPage,
				DataType: entity.FieldTypeInt64,
			},
			varchar(milvusFieldText, "65535", false),
			{
				Name:     milvusFieldVector,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(s.vectorSize),
				},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	index, err := newMilvusIndex(s.distance)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := s.milvusClient.CreateIndex(ctx, s.collection, milvusFieldVector, index, false); err != nil {
		return fmt.Errorf("failed to create index for collection %s: %w", s.collection, err)
	}

	s.logger.Info("milvus collection created",
		zap.String("collection", s.collection),
		zap.Int("dim", s.vectorSize),
		zap.String("metric", s.distance))
	return nil
}

func (s *milvusVectorIndex) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkDimensions(records, s.vectorSize); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	n := len(records)
	ids := make([]string, n)
	docIDs := make([]string, n)
	sources := make([]string, n)
	roles := make([]string, n)
	pages := make([]int64, n)
	texts := make([]string, n)
	vectors := make([][]float32, n)
	for i, rec := range records {
		ids[i] = rec.ID
		docIDs[i] = rec.Metadata.DocID
		sources[i] = rec.Metadata.Source
		roles[i] = rec.Metadata.Role
		pages[i] = int64(rec.Metadata.Page)
		texts[i] = rec.Metadata.Text
		vectors[i] = rec.Values
	}

	_, err := s.milvusClient.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldDocID, docIDs),
		entity.NewColumnVarChar(milvusFieldSource, sources),
		entity.NewColumnVarChar(milvusFieldRole, roles),
		entity.NewColumnInt64(milvusFieldPage, pages),
		entity.NewColumnVarChar(milvusFieldText, texts),
		entity.NewColumnFloatVector(milvusFieldVector, s.vectorSize, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert failed: %w", err)
	}

	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		// 刷新失败不影响写入
		s.logger.Warn("failed to flush collection", zap.String("collection", s.collection), zap.Error(err))
	}

	return nil
}

func (s *milvusVectorIndex) Query(ctx context.Context, q VectorQuery) ([]Match, error) {
	if len(q.Vector) == 0 {
		return nil, nil
	}
	if len(q.Vector) != s.vectorSize {
		return nil, fmt.Errorf("%w: query has %d, index expects %d", ErrDimensionMismatch, len(q.Vector), s.vectorSize)
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		q.TopK = 5
	}

	expr := ""
	if q.Role != "" {
		expr = fmt.Sprintf("%s == %s", milvusFieldRole, strconv.Quote(q.Role))
	}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{},
		expr,
		milvusOutputFields,
		[]entity.Vector{entity.FloatVector(q.Vector)},
		milvusFieldVector,
		entity.MetricType(s.distance),
		q.TopK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(searchResults) == 0 {
		return []Match{}, nil
	}

	// 只有一个查询向量
	result := searchResults[0]
	if result.Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", result.Err)
	}
	if result.ResultCount == 0 {
		return []Match{}, nil
	}

	var ids []string
	if idCol, ok := result.IDs.(*entity.ColumnVarChar); ok {
		ids = idCol.Data()
	}

	var docIDs, sources, roles, texts []string
	var pages []int64
	for _, field := range result.Fields {
		switch field.Name() {
		case milvusFieldDocID:
			if val, ok := field.(*entity.ColumnVarChar); ok {
				docIDs = val.Data()
			}
		case milvusFieldSource:
			if val, ok := field.(*entity.ColumnVarChar); ok {
				sources = val.Data()
			}
		case milvusFieldRole:
			if val, ok := field.(*entity.ColumnVarChar); ok {
				roles = val.Data()
			}
		case milvusFieldText:
			if val, ok := field.(*entity.ColumnVarChar); ok {
				texts = val.Data()
			}
		case milvusFieldPage:
			if val, ok := field.(*entity.ColumnInt64); ok {
				pages = val.Data()
			}
		}
	}

	at := func(values []string, i int) string {
		if i < len(values) {
			return values[i]
		}
		return ""
	}

	matches := make([]Match, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		m := Match{
			ID: at(ids, i),
			Metadata: ChunkMetadata{
				DocID:  at(docIDs, i),
				Source: at(sources, i),
				Role:   at(roles, i),
				Text:   at(texts, i),
			},
		}
		if i < len(pages) {
			m.Metadata.Page = int(pages[i])
		}
		if i < len(result.Scores) {
			m.Score = result.Scores[i]
		}
		// L2距离越小越相似，统一为越大越相似
		if s.distance == "L2" {
			m.Score = -m.Score
		}
		matches = append(matches, m)
	}

	return matches, nil
}

func (s *milvusVectorIndex) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}

// Close 关闭Milvus连接
func (s *milvusVectorIndex) Close() error {
	if s.milvusClient == nil {
		return nil
	}
	return s.milvusClient.Close()
}

// newMilvusIndex HNSW参数不合法时退回IVF_FLAT
func newMilvusIndex(distance string) (entity.Index, error) {
	if index, err := entity.NewIndexHNSW(entity.MetricType(distance), 8, 64); err == nil {
		return index, nil
	}
	return entity.NewIndexIvfFlat(entity.MetricType(distance), 128)
}
