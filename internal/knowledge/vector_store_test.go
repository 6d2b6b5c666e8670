package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryVectorIndex_QueryOrderAndRole(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryVectorIndex(2)

	require.NoError(t, index.Upsert(ctx, []VectorRecord{
		{ID: "d-0", Values: []float32{1, 0}, Metadata: ChunkMetadata{Role: "doctor", Text: "exact"}},
		{ID: "d-1", Values: []float32{0.5, 0.5}, Metadata: ChunkMetadata{Role: "nurse", Text: "half"}},
		{ID: "d-2", Values: []float32{0, 1}, Metadata: ChunkMetadata{Role: "doctor", Text: "orthogonal"}},
	}))

	matches, err := index.Query(ctx, VectorQuery{Vector: []float32{1, 0}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "d-0", matches[0].ID)
	assert.Equal(t, "d-1", matches[1].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)

	matches, err = index.Query(ctx, VectorQuery{Vector: []float32{1, 0}, TopK: 5, Role: "doctor"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "d-2", matches[1].ID)
}

func TestMemoryVectorIndex_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryVectorIndex(2)

	require.NoError(t, index.Upsert(ctx, []VectorRecord{{ID: "x-0", Values: []float32{1, 0}, Metadata: ChunkMetadata{Text: "old"}}}))
	require.NoError(t, index.Upsert(ctx, []VectorRecord{{ID: "x-0", Values: []float32{1, 0}, Metadata: ChunkMetadata{Text: "new"}}}))

	assert.Equal(t, 1, index.Len())
	matches, err := index.Query(ctx, VectorQuery{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, "new", matches[0].Metadata.Text)
}

func TestMemoryVectorIndex_DimensionChecks(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryVectorIndex(3)

	err := index.Upsert(ctx, []VectorRecord{{ID: "a", Values: []float32{1, 2}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, index.Len())

	_, err = index.Query(ctx, VectorQuery{Vector: []float32{1}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	matches, err := index.Query(ctx, VectorQuery{})
	assert.NoError(t, err)
	assert.Empty(t, matches)
}

// fakeQdrant 只实现用到的几个REST接口
type fakeQdrant struct {
	mu         sync.Mutex
	exists     bool
	created    map[string]interface{}
	points     []map[string]interface{}
	lastSearch map[string]interface{}
	apiKeys    []string
}

func (f *fakeQdrant) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/docs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))
		switch r.Method {
		case http.MethodGet:
			if !f.exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(`{"result":{"status":"green"}}`))
		case http.MethodPut:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.created))
			f.exists = true
			w.Write([]byte(`{"result":true}`))
		}
	})
	mux.HandleFunc("/collections/docs/points", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		var body struct {
			Points []map[string]interface{} `json:"points"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.points = append(f.points, body.Points...)
		w.Write([]byte(`{"result":{"status":"completed"}}`))
	})
	mux.HandleFunc("/collections/docs/points/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastSearch))
		w.Write([]byte(`{"result":[
			{"id":"7c9e6679-7425-40de-944b-e07fc1f90ae7","score":0.9,
			 "payload":{"record_id":"d1-0","source":"a.pdf","doc_id":"d1","role":"doctor","page":2,"text":"alpha"}}
		]}`))
	})
	return mux
}

func newFakeQdrant(t *testing.T, exists bool) (*fakeQdrant, VectorIndex) {
	fake := &fakeQdrant{exists: exists}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	index, err := NewQdrantVectorIndex(QdrantOptions{
		Endpoint:   srv.URL,
		APIKey:     "secret",
		Collection: "docs",
		VectorSize: 2,
		Timeout:    time.Second,
	})
	require.NoError(t, err)
	return fake, index
}

func TestQdrantVectorIndex_CreatesCollectionOnce(t *testing.T) {
	ctx := context.Background()
	fake, index := newFakeQdrant(t, false)

	recs := []VectorRecord{{ID: "d1-0", Values: []float32{1, 0}, Metadata: ChunkMetadata{Source: "a.pdf", DocID: "d1", Role: "doctor", Page: 2, Text: "alpha"}}}
	require.NoError(t, index.Upsert(ctx, recs))
	require.NoError(t, index.Upsert(ctx, recs))

	vectors := fake.created["vectors"].(map[string]interface{})
	assert.Equal(t, float64(2), vectors["size"])
	assert.Equal(t, "Dot", vectors["distance"])

	require.Len(t, fake.points, 2)
	point := fake.points[0]
	assert.Equal(t, qdrantPointID("d1-0"), point["id"])
	assert.Equal(t, point["id"], fake.points[1]["id"], "point id is stable per record id")
	payload := point["payload"].(map[string]interface{})
	assert.Equal(t, "d1-0", payload["record_id"])
	assert.Equal(t, "doctor", payload["role"])
	assert.Equal(t, "alpha", payload["text"])

	for _, key := range fake.apiKeys {
		assert.Equal(t, "secret", key)
	}
}

func TestQdrantVectorIndex_QueryDecodesPayload(t *testing.T) {
	ctx := context.Background()
	fake, index := newFakeQdrant(t, true)

	matches, err := index.Query(ctx, VectorQuery{Vector: []float32{1, 0}, TopK: 3})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d1-0", matches[0].ID)
	assert.InDelta(t, 0.9, matches[0].Score, 1e-6)
	assert.Equal(t, ChunkMetadata{Source: "a.pdf", DocID: "d1", Role: "doctor", Page: 2, Text: "alpha"}, matches[0].Metadata)
	assert.Equal(t, float64(3), fake.lastSearch["limit"])
	assert.NotContains(t, fake.lastSearch, "filter")

	_, err = index.Query(ctx, VectorQuery{Vector: []float32{1, 0}, Role: "doctor"})
	require.NoError(t, err)
	filter := fake.lastSearch["filter"].(map[string]interface{})
	must := filter["must"].([]interface{})
	require.Len(t, must, 1)
	cond := must[0].(map[string]interface{})
	assert.Equal(t, "role", cond["key"])
	assert.Equal(t, "doctor", cond["match"].(map[string]interface{})["value"])
}

func TestQdrantVectorIndex_DimensionMismatch(t *testing.T) {
	_, index := newFakeQdrant(t, true)
	err := index.Upsert(context.Background(), []VectorRecord{{ID: "a", Values: []float32{1, 2, 3}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestFormatQdrantDistance(t *testing.T) {
	assert.Equal(t, "Dot", formatQdrantDistance(""))
	assert.Equal(t, "Dot", formatQdrantDistance("IP"))
	assert.Equal(t, "Euclid", formatQdrantDistance("l2"))
	assert.Equal(t, "Cosine", formatQdrantDistance("cosine"))
}

func TestNewMilvusIndex(t *testing.T) {
	for _, distance := range []string{"dot", "l2", "cosine"} {
		index, err := newMilvusIndex(formatMilvusDistance(distance))
		require.NoError(t, err, distance)
		assert.Equal(t, entity.HNSW, index.IndexType(), distance)
	}
}

func TestMilvusVectorIndex_Integration(t *testing.T) {
	addr := os.Getenv("MILVUS_ADDRESS")
	if addr == "" {
		t.Skip("MILVUS_ADDRESS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	index, err := NewMilvusVectorIndex(ctx, MilvusOptions{
		Address:    addr,
		Collection: "medrag_it_" + time.Now().Format("150405"),
		VectorSize: 2,
	})
	require.NoError(t, err)

	require.NoError(t, index.Upsert(ctx, []VectorRecord{
		{ID: "it-0", Values: []float32{1, 0}, Metadata: ChunkMetadata{Source: "a.pdf", DocID: "it", Role: "doctor", Text: "alpha"}},
		{ID: "it-1", Values: []float32{0, 1}, Metadata: ChunkMetadata{Source: "b.pdf", DocID: "it", Role: "nurse", Text: "beta"}},
	}))

	matches, err := index.Query(ctx, VectorQuery{Vector: []float32{1, 0}, TopK: 2, Role: "doctor"})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "it-0", matches[0].ID)
	assert.Equal(t, "alpha", matches[0].Metadata.Text)
}
