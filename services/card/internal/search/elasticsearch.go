package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"example.com/memorix/services/card/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultSearchLimit = 20

// Config holds Elasticsearch settings
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
	Index    string `mapstructure:"index"`
}

// IndexName joins the optional prefix and the index.
func (c Config) IndexName() string {
	if c.Prefix == "" {
		return c.Index
	}
	return c.Prefix + "-" + c.Index
}

// CardDocument is the indexed form of a card.
type CardDocument struct {
	ID        string    `json:"id"`
	DeckID    string    `json:"deck_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is one search result.
type Hit struct {
	ID       uuid.UUID `json:"id"`
	DeckID   uuid.UUID `json:"deckId"`
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	Score    float64   `json:"score"`
}

// ElasticClient keeps a full-text index of cards.
type ElasticClient struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg Config) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}
	return &ElasticClient{client: client, index: cfg.IndexName()}, nil
}

func (c *ElasticClient) IndexCard(ctx context.Context, card *models.Card) error {
	doc, err := json.Marshal(CardDocument{
		ID:        card.ID.String(),
		DeckID:    card.DeckID.String(),
		Question:  card.Question,
		Answer:    card.Answer,
		CreatedAt: card.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal card document")
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: card.ID.String(),
		Body:       bytes.NewReader(doc),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("index", res)
	}

	log.Debug().Str("card_id", card.ID.String()).Msg("Card indexed")
	return nil
}

// DeleteCard removes one document. A missing document is not an error.
func (c *ElasticClient) DeleteCard(ctx context.Context, id uuid.UUID) error {
	req := esapi.DeleteRequest{
		Index:      c.index,
		DocumentID: id.String(),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch delete request")
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("delete", res)
	}
	return nil
}

// DeleteByDeck removes every document of a deck.
func (c *ElasticClient) DeleteByDeck(ctx context.Context, deckID uuid.UUID) (int64, error) {
	query, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"deck_id": deckID.String()},
		},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal delete query")
	}

	refresh := true
	req := esapi.DeleteByQueryRequest{
		Index:     []string{c.index},
		Body:      bytes.NewReader(query),
		Conflicts: "proceed",
		Refresh:   &refresh,
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return 0, errors.Wrap(err, "failed to execute Elasticsearch delete-by-query request")
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, responseError("delete-by-query", res)
	}

	var body struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "failed to parse Elasticsearch delete-by-query response")
	}
	return body.Deleted, nil
}

// Search runs a match query over question and answer.
func (c *ElasticClient) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	query, err := json.Marshal(map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  text,
				"fields": []string{"question^2", "answer"},
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.index},
		Body:  bytes.NewReader(query),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return []Hit{}, nil
	}
	if res.IsError() {
		return nil, responseError("search", res)
	}

	var body struct {
		Hits struct {
			Hits []struct {
				Score  float64      `json:"_score"`
				Source CardDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits := make([]Hit, 0, len(body.Hits.Hits))
	for _, h := range body.Hits.Hits {
		id, err := uuid.Parse(h.Source.ID)
		if err != nil {
			log.Warn().Str("doc_id", h.Source.ID).Msg("Skipping search hit with malformed id")
			continue
		}
		deckID, _ := uuid.Parse(h.Source.DeckID)
		hits = append(hits, Hit{
			ID:       id,
			DeckID:   deckID,
			Question: h.Source.Question,
			Answer:   h.Source.Answer,
			Score:    h.Score,
		})
	}
	return hits, nil
}

// Ping checks the cluster is reachable.
func (c *ElasticClient) Ping(ctx context.Context) error {
	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("ping", res)
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	raw, _ := io.ReadAll(res.Body)
	return errors.Errorf("Elasticsearch %s error: status %d: %s", op, res.StatusCode, bytes.TrimSpace(raw))
}
