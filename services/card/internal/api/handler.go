package api

import (
	"fmt"
	"net/http"
	"strconv"

	"example.com/memorix/pkg/httpapi"
	"example.com/memorix/services/card/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CardHandler handles card HTTP requests
type CardHandler struct {
	cards *service.CardService
}

// NewCardHandler creates a new card handler
func NewCardHandler(cards *service.CardService) *CardHandler {
	return &CardHandler{cards: cards}
}

// RegisterRoutes registers the handler's routes
func (h *CardHandler) RegisterRoutes(router gin.IRouter) {
	deckCards := router.Group("/api/v2/decks/:deckId/cards")
	deckCards.POST("", h.Create)
	deckCards.GET("", h.ListByDeck)

	cards := router.Group("/api/v2/cards")
	cards.GET("", h.List)
	cards.GET("/search", h.Search)
	cards.GET("/:id", h.Get)
	cards.PUT("/:id", h.Update)
	cards.DELETE("/:id", h.Delete)
}

func (h *CardHandler) Create(c *gin.Context) {
	deckID, ok := pathUUID(c, "deckId")
	if !ok {
		return
	}

	var in service.CardInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httpapi.WriteError(c, httpapi.NewValidationError(err.Error()))
		return
	}

	card, err := h.cards.Create(c.Request.Context(), deckID, in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/api/v2/cards/%s", card.ID))
	c.JSON(http.StatusCreated, card)
}

func (h *CardHandler) ListByDeck(c *gin.Context) {
	deckID, ok := pathUUID(c, "deckId")
	if !ok {
		return
	}
	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}

	page, err := h.cards.ListByDeck(c.Request.Context(), deckID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *CardHandler) List(c *gin.Context) {
	limit, offset, ok := pageParams(c)
	if !ok {
		return
	}

	page, err := h.cards.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Search runs ?q= against the card index.
func (h *CardHandler) Search(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}

	hits, err := h.cards.Search(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": hits})
}

func (h *CardHandler) Get(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	card, err := h.cards.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *CardHandler) Update(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var in service.CardInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httpapi.WriteError(c, httpapi.NewValidationError(err.Error()))
		return
	}

	card, err := h.cards.Update(c.Request.Context(), id, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *CardHandler) Delete(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.cards.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pathUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		httpapi.WriteError(c, httpapi.NewValidationError(param+" must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(c *gin.Context) (limit, offset int, ok bool) {
	var err error
	if limit, err = queryInt(c, "limit"); err != nil {
		httpapi.WriteError(c, err)
		return 0, 0, false
	}
	if offset, err = queryInt(c, "offset"); err != nil {
		httpapi.WriteError(c, err)
		return 0, 0, false
	}
	return limit, offset, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, httpapi.NewValidationError(fmt.Sprintf("%s must be an integer", key))
	}
	return n, nil
}

func writeError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrDeckNotFound):
		httpapi.WriteError(c, httpapi.NewNotFoundError("Deck not found"))
	case errors.Is(err, service.ErrCardNotFound):
		httpapi.WriteError(c, httpapi.NewNotFoundError("Card not found"))
	case errors.Is(err, service.ErrSearchUnavailable):
		httpapi.WriteError(c, httpapi.ErrServiceUnavailable)
	case errors.As(err, &verr):
		httpapi.WriteError(c, httpapi.NewValidationError(verr.Error()))
	default:
		httpapi.WriteError(c, err)
	}
}
