package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"example.com/memorix/pkg/database/dbtest"
	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/httpapi"
	"example.com/memorix/services/card/internal/models"
	"example.com/memorix/services/card/internal/repository"
	"example.com/memorix/services/card/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	events []events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, e events.Event) {
	p.events = append(p.events, e)
}

type knownDecks map[uuid.UUID]bool

func (k knownDecks) Exists(ctx context.Context, id uuid.UUID) bool { return k[id] }

func setupRouter(t *testing.T, decks knownDecks) (*gin.Engine, *capturePublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t, &models.Card{})
	pub := &capturePublisher{}
	svc := service.NewCardService(repository.NewCardRepository(db), decks, pub, nil, nil, nil)

	router := gin.New()
	NewCardHandler(svc).RegisterRoutes(router)
	return router, pub
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateCard(t *testing.T) {
	deckID := uuid.New()
	router, pub := setupRouter(t, knownDecks{deckID: true})

	w := do(router, http.MethodPost, "/api/v2/decks/"+deckID.String()+"/cards", `{"question":"2+2?","answer":"4"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var card models.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	assert.Equal(t, deckID, card.DeckID)
	assert.Equal(t, "/api/v2/cards/"+card.ID.String(), w.Header().Get("Location"))
	assert.Contains(t, w.Body.String(), `"deckId"`)
	require.Len(t, pub.events, 1)

	w = do(router, http.MethodGet, "/api/v2/cards/"+card.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"question":"2+2?"`)
}

func TestCreateCardUnknownDeck(t *testing.T) {
	router, pub := setupRouter(t, knownDecks{})

	w := do(router, http.MethodPost, "/api/v2/decks/"+uuid.NewString()+"/cards", `{"question":"q","answer":"a"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp httpapi.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Deck not found", resp.Message)
	assert.Empty(t, pub.events)

	w = do(router, http.MethodGet, "/api/v2/cards", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalElements":0`)
}

func TestCreateCardBadInput(t *testing.T) {
	deckID := uuid.New()
	router, _ := setupRouter(t, knownDecks{deckID: true})

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed deck id", "/api/v2/decks/nope/cards", `{"question":"q","answer":"a"}`},
		{"blank answer", "/api/v2/decks/" + deckID.String() + "/cards", `{"question":"q","answer":" "}`},
		{"not json", "/api/v2/decks/" + deckID.String() + "/cards", `question=q`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListDeckCards(t *testing.T) {
	deckID := uuid.New()
	decks := knownDecks{deckID: true}
	router, _ := setupRouter(t, decks)

	for i := 0; i < 3; i++ {
		w := do(router, http.MethodPost, "/api/v2/decks/"+deckID.String()+"/cards", `{"question":"q","answer":"a"}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(router, http.MethodGet, "/api/v2/decks/"+deckID.String()+"/cards?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page service.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int64(3), page.Total)

	w = do(router, http.MethodGet, "/api/v2/decks/"+deckID.String()+"/cards?offset=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	delete(decks, deckID)
	w = do(router, http.MethodGet, "/api/v2/decks/"+deckID.String()+"/cards", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateAndDeleteCard(t *testing.T) {
	deckID := uuid.New()
	router, pub := setupRouter(t, knownDecks{deckID: true})

	w := do(router, http.MethodPost, "/api/v2/decks/"+deckID.String()+"/cards", `{"question":"q","answer":"a"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var card models.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))

	w = do(router, http.MethodPut, "/api/v2/cards/"+card.ID.String(), `{"question":"q2","answer":"a2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"answer":"a2"`)
	assert.Len(t, pub.events, 1)

	w = do(router, http.MethodDelete, "/api/v2/cards/"+card.ID.String(), "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, pub.events, 2)
	assert.Equal(t, events.TypeCardDeleted, pub.events[1].Type())

	w = do(router, http.MethodGet, "/api/v2/cards/"+card.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(router, http.MethodDelete, "/api/v2/cards/"+card.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchDisabled(t *testing.T) {
	router, _ := setupRouter(t, knownDecks{})

	w := do(router, http.MethodGet, "/api/v2/cards/search?q=paris", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
