package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aihub/medrag/internal/metrics"
	"github.com/aihub/medrag/internal/storage"
	"go.uber.org/zap"
)

// UploadedFile 一个上传文件的名称和内容
type UploadedFile struct {
	Filename string
	Content  []byte
}

// FileReport 单个文件的入库结果
type FileReport struct {
	Filename      string `json:"filename"`
	StoredAt      string `json:"stored_at"`
	Pages         int    `json:"pages"`
	Chunks        int    `json:"chunks"`
	Upserted      int    `json:"upserted"`
	FailedBatches []int  `json:"failed_batches,omitempty"`
}

// IngestReport 一次上传的入库结果
type IngestReport struct {
	DocID         string       `json:"doc_id"`
	Role          string       `json:"role"`
	Files         []FileReport `json:"files"`
	TotalChunks   int          `json:"total_chunks"`
	TotalUpserted int          `json:"total_upserted"`
}

var (
	ErrNoFiles       = errors.New("no files uploaded")
	ErrRoleRequired  = errors.New("role is required")
	ErrDocIDRequired = errors.New("doc_id is required")
)

// Ingestor 文档入库流水线：保存 -> 解析 -> 分块 -> 向量化 -> 分批写入
type Ingestor struct {
	store     storage.FileStore
	parsers   *FileParserManager
	chunker   *Chunker
	embedder  Embedder
	index     VectorIndex
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type IngestorOptions struct {
	Store     storage.FileStore
	Parsers   *FileParserManager
	Chunker   *Chunker
	Embedder  Embedder
	Index     VectorIndex
	BatchSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	if opts.Parsers == nil {
		opts.Parsers = NewFileParserManager()
	}
	if opts.Chunker == nil {
		opts.Chunker = NewChunker(500, 50)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ingestor{
		store:     opts.Store,
		parsers:   opts.Parsers,
		chunker:   opts.Chunker,
		embedder:  opts.Embedder,
		index:     opts.Index,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.Named("ingest"),
		metrics:   opts.Metrics,
	}
}

// Ingest 按顺序处理每个文件。保存、解析、向量化失败时立即返回错误；
// 单个写入批次失败只记录并继续，不回滚也不重试。
// 同一次调用内的多个文件共用doc_id，记录序号在文件之间连续。
func (i *Ingestor) Ingest(ctx context.Context, files []UploadedFile, role, docID string) (*IngestReport, error) {
	role = strings.TrimSpace(role)
	docID = strings.TrimSpace(docID)
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if role == "" {
		return nil, ErrRoleRequired
	}
	if docID == "" {
		return nil, ErrDocIDRequired
	}

	report := &IngestReport{DocID: docID, Role: role}
	seq := 0
	for _, file := range files {
		fr, err := i.ingestFile(ctx, file, role, docID, seq)
		if err != nil {
			i.metrics.IngestFile(false)
			return report, fmt.Errorf("ingest %s: %w", file.Filename, err)
		}
		i.metrics.IngestFile(true)
		seq += fr.Chunks
		report.Files = append(report.Files, *fr)
		report.TotalChunks += fr.Chunks
		report.TotalUpserted += fr.Upserted
	}
	return report, nil
}

func (i *Ingestor) ingestFile(ctx context.Context, file UploadedFile, role, docID string, seqStart int) (*FileReport, error) {
	log := i.logger.With(zap.String("file", file.Filename), zap.String("doc_id", docID), zap.String("role", role))

	if !i.parsers.Supports(file.Filename) {
		return nil, fmt.Errorf("不支持的文件格式: %s", file.Filename)
	}

	storedAt, err := i.store.Save(ctx, file.Filename, bytes.NewReader(file.Content), int64(len(file.Content)))
	if err != nil {
		return nil, fmt.Errorf("store raw file: %w", err)
	}

	pages, err := i.parsers.ParseFile(bytes.NewReader(file.Content), file.Filename)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	chunks := i.chunker.SplitPages(pages)
	fr := &FileReport{
		Filename: file.Filename,
		StoredAt: storedAt,
		Pages:    len(pages),
		Chunks:   len(chunks),
	}
	if len(chunks) == 0 {
		log.Warn("no text extracted, nothing to index")
		return fr, nil
	}
	i.metrics.IngestChunks(len(chunks))

	texts := make([]string, len(chunks))
	metas := make([]ChunkMetadata, len(chunks))
	ids := make([]string, len(chunks))
	for n, chunk := range chunks {
		texts[n] = chunk.Text
		ids[n] = fmt.Sprintf("%s-%d", docID, seqStart+chunk.Index)
		metas[n] = ChunkMetadata{
			Source: file.Filename,
			DocID:  docID,
			Role:   role,
			Page:   chunk.Page,
			Text:   chunk.Text,
		}
	}

	log.Info("embedding chunks", zap.Int("chunks", len(texts)))
	start := time.Now()
	embeddings, err := i.embedder.EmbedDocuments(ctx, texts)
	i.metrics.Upstream("embed", err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d chunks", len(embeddings), len(texts))
	}

	records := make([]VectorRecord, len(chunks))
	for n := range chunks {
		records[n] = VectorRecord{ID: ids[n], Values: embeddings[n], Metadata: metas[n]}
	}

	log.Info("upserting to vector index", zap.Int("records", len(records)), zap.Int("batch_size", i.batchSize))
	for from := 0; from < len(records); from += i.batchSize {
		to := from + i.batchSize
		if to > len(records) {
			to = len(records)
		}
		batchNo := from/i.batchSize + 1

		start := time.Now()
		err := i.index.Upsert(ctx, records[from:to])
		i.metrics.Upstream("index", err, time.Since(start))
		if err != nil {
			log.Error("upsert batch failed", zap.Int("batch", batchNo), zap.Int("size", to-from), zap.Error(err))
			i.metrics.IngestBatchFailed()
			fr.FailedBatches = append(fr.FailedBatches, batchNo)
			continue
		}
		fr.Upserted += to - from
	}

	log.Info("upload complete",
		zap.Int("chunks", fr.Chunks),
		zap.Int("upserted", fr.Upserted),
		zap.Ints("failed_batches", fr.FailedBatches))
	return fr, nil
}
