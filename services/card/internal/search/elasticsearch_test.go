package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"example.com/memorix/services/card/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeElastic answers like a 7.x cluster and records every request.
type fakeElastic struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
}

const productInfo = `{"version":{"number":"7.17.10","build_flavor":"default"},"tagline":"You Know, for Search"}`

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	// The client checks the product once before its first real request.
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		_, _ = io.WriteString(w, productInfo)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
	status, response := f.status, f.response
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if response == "" {
		response = `{}`
	}
	_, _ = io.WriteString(w, response)
}

func (f *fakeElastic) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, fake *fakeElastic) *ElasticClient {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := NewElasticClient(Config{URL: srv.URL, Prefix: "test", Index: "cards"})
	require.NoError(t, err)
	return client
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "cards", Config{Index: "cards"}.IndexName())
	assert.Equal(t, "dev-cards", Config{Prefix: "dev", Index: "cards"}.IndexName())
}

func TestIndexCard(t *testing.T) {
	fake := &fakeElastic{status: http.StatusCreated, response: `{"result":"created"}`}
	client := newTestClient(t, fake)

	card := &models.Card{ID: uuid.New(), DeckID: uuid.New(), Question: "2+2?", Answer: "4"}
	require.NoError(t, client.IndexCard(context.Background(), card))

	req := fake.last(t)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/test-cards/_doc/"+card.ID.String(), req.Path)
	assert.Contains(t, req.Query, "refresh=true")

	var doc CardDocument
	require.NoError(t, json.Unmarshal([]byte(req.Body), &doc))
	assert.Equal(t, card.DeckID.String(), doc.DeckID)
	assert.Equal(t, "2+2?", doc.Question)
}

func TestIndexCardError(t *testing.T) {
	fake := &fakeElastic{status: http.StatusBadRequest, response: `{"error":"mapper_parsing_exception"}`}
	client := newTestClient(t, fake)

	err := client.IndexCard(context.Background(), &models.Card{ID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestDeleteCardIgnoresMissingDocument(t *testing.T) {
	fake := &fakeElastic{status: http.StatusNotFound, response: `{"result":"not_found"}`}
	client := newTestClient(t, fake)

	id := uuid.New()
	require.NoError(t, client.DeleteCard(context.Background(), id))
	req := fake.last(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/test-cards/_doc/"+id.String(), req.Path)
}

func TestDeleteByDeck(t *testing.T) {
	fake := &fakeElastic{response: `{"deleted":3}`}
	client := newTestClient(t, fake)

	deckID := uuid.New()
	deleted, err := client.DeleteByDeck(context.Background(), deckID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	req := fake.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/test-cards/_delete_by_query", req.Path)
	assert.Contains(t, req.Query, "conflicts=proceed")
	assert.Contains(t, req.Body, deckID.String())
	assert.Contains(t, req.Body, `"deck_id"`)
}

func TestDeleteByDeckMissingIndex(t *testing.T) {
	fake := &fakeElastic{status: http.StatusNotFound, response: `{"error":"index_not_found_exception"}`}
	client := newTestClient(t, fake)

	deleted, err := client.DeleteByDeck(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSearch(t *testing.T) {
	id, deckID := uuid.New(), uuid.New()
	fake := &fakeElastic{response: `{"hits":{"hits":[
		{"_score":1.5,"_source":{"id":"` + id.String() + `","deck_id":"` + deckID.String() + `","question":"capital of France?","answer":"Paris"}},
		{"_score":0.2,"_source":{"id":"garbage","deck_id":"","question":"q","answer":"a"}}
	]}}`}
	client := newTestClient(t, fake)

	hits, err := client.Search(context.Background(), "france", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
	assert.Equal(t, deckID, hits[0].DeckID)
	assert.Equal(t, 1.5, hits[0].Score)

	req := fake.last(t)
	assert.True(t, strings.HasSuffix(req.Path, "/_search"))
	assert.Contains(t, req.Body, `"size":20`)
	assert.Contains(t, req.Body, "france")
}

func TestPing(t *testing.T) {
	client := newTestClient(t, &fakeElastic{})
	assert.NoError(t, client.Ping(context.Background()))
}

func TestErrorStatusesReachTheCaller(t *testing.T) {
	fake := &fakeElastic{status: http.StatusInternalServerError, response: `{"error":"cluster_block_exception"}`}
	client := newTestClient(t, fake)

	err := client.DeleteCard(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster_block_exception")
	assert.NotContains(t, err.Error(), "product")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.requests, 1)
	assert.Equal(t, http.MethodDelete, fake.requests[0].Method)
}
