package oracle

import (
	"context"
	"net/http"
	"strings"
	"time"

	"example.com/memorix/pkg/tracing"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 3 * time.Second

// ExistenceOracle answers whether a deck exists in the deck service.
type ExistenceOracle interface {
	Exists(ctx context.Context, deckID uuid.UUID) bool
}

// Config holds the deck service endpoint
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DeckClient probes the deck service with HEAD /api/v2/decks/{id}. It fails
// closed: anything but a 2xx answer, including timeouts and connection
// errors, means the deck does not exist.
type DeckClient struct {
	baseURL string
	client  *http.Client
	tracer  tracing.Tracer
}

// NewDeckClient creates a client with cfg.Timeout (3s when unset).
func NewDeckClient(cfg Config, tracer tracing.Tracer) *DeckClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &DeckClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		tracer:  tracer,
	}
}

func (c *DeckClient) Exists(ctx context.Context, deckID uuid.UUID) bool {
	url := c.baseURL + "/api/v2/decks/" + deckID.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		log.Warn().Err(err).Str("deck_id", deckID.String()).Msg("Failed to build deck existence request")
		return false
	}

	segment := c.tracer.StartExternalSegment(newrelic.FromContext(ctx), req)
	resp, err := c.client.Do(req)
	segment.Response = resp
	segment.End()
	if err != nil {
		log.Warn().Err(err).Str("deck_id", deckID.String()).Msg("Deck service unreachable, treating deck as absent")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	if resp.StatusCode != http.StatusNotFound {
		log.Warn().Int("status", resp.StatusCode).Str("deck_id", deckID.String()).Msg("Unexpected deck service status, treating deck as absent")
	}
	return false
}
