package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint   string
	APIKey     string
	Collection string
	VectorSize int
	Distance   string
	UseTLS     bool
	Timeout    time.Duration
	HTTPClient *http.Client
}

type qdrantVectorIndex struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	collection string
	vectorSize int
	distance   string

	mu    sync.Mutex
	ready bool
}

// NewQdrantVectorIndex 创建Qdrant向量索引
func NewQdrantVectorIndex(opts QdrantOptions) (VectorIndex, error) {
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	if opts.Collection == "" {
		opts.Collection = "medical_docs"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 768
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &qdrantVectorIndex{
		client:     httpClient,
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:     opts.APIKey,
		collection: opts.Collection,
		vectorSize: opts.VectorSize,
		distance:   formatQdrantDistance(opts.Distance),
	}, nil
}

func formatQdrantDistance(value string) string {
	switch strings.ToLower(value) {
	case "", "dot", "dotproduct", "ip":
		return "Dot"
	case "euclid", "l2":
		return "Euclid"
	default:
		return "Cosine"
	}
}

// qdrantPointID Qdrant只接受无符号整数或UUID作为点ID，这里由记录ID派生确定的UUID
func qdrantPointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(recordID)).String()
}

func (s *qdrantVectorIndex) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	path := fmt.Sprintf("/collections/%s", s.collection)
	resp, err := s.doRequest(ctx, http.MethodGet, path, nil)
	if err == nil && resp.StatusCode == http.StatusOK {
		resp.Body.Close()
		s.ready = true
		return nil
	}
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     s.vectorSize,
			"distance": s.distance,
		},
	}
	resp, err = s.doRequest(ctx, http.MethodPut, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("create collection %s failed: %s", s.collection, resp.Status)
	}

	s.ready = true
	return nil
}

func (s *qdrantVectorIndex) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkDimensions(records, s.vectorSize); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		points = append(points, map[string]interface{}{
			"id":     qdrantPointID(rec.ID),
			"vector": rec.Values,
			"payload": map[string]interface{}{
				"record_id": rec.ID,
				"source":    rec.Metadata.Source,
				"doc_id":    rec.Metadata.DocID,
				"role":      rec.Metadata.Role,
				"page":      rec.Metadata.Page,
				"text":      rec.Metadata.Text,
			},
		})
	}

	resp, err := s.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", s.collection), map[string]interface{}{
		"points": points,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant upsert failed: %s %s", resp.Status, string(body))
	}

	return nil
}

func (s *qdrantVectorIndex) Query(ctx context.Context, q VectorQuery) ([]Match, error) {
	if len(q.Vector) == 0 {
		return nil, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		q.TopK = 5
	}

	body := map[string]interface{}{
		"vector":       q.Vector,
		"limit":        q.TopK,
		"with_payload": true,
		"with_vectors": false,
	}
	if q.Role != "" {
		body["filter"] = map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key":   "role",
					"match": map[string]interface{}{"value": q.Role},
				},
			},
		}
	}

	resp, err := s.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", s.collection), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("qdrant search failed: %s %s", resp.Status, string(raw))
	}

	var searchResp struct {
		Result []struct {
			ID      interface{} `json:"id"`
			Score   float32     `json:"score"`
			Payload struct {
				RecordID string `json:"record_id"`
				ChunkMetadata
			} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode qdrant search response: %w", err)
	}

	matches := make([]Match, 0, len(searchResp.Result))
	for _, item := range searchResp.Result {
		score := item.Score
		if s.distance == "Euclid" {
			score = -score
		}
		matches = append(matches, Match{
			ID:       item.Payload.RecordID,
			Score:    score,
			Metadata: item.Payload.ChunkMetadata,
		})
	}

	return matches, nil
}

func (s *qdrantVectorIndex) Ready() bool {
	return s.client != nil
}

func (s *qdrantVectorIndex) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	return s.client.Do(req)
}
