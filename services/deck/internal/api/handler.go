package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"example.com/memorix/pkg/httpapi"
	"example.com/memorix/services/deck/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DeckHandler handles deck HTTP requests
type DeckHandler struct {
	decks *service.DeckService
}

// NewDeckHandler creates a new deck handler
func NewDeckHandler(decks *service.DeckService) *DeckHandler {
	return &DeckHandler{decks: decks}
}

// RegisterRoutes registers the handler's routes
func (h *DeckHandler) RegisterRoutes(router gin.IRouter) {
	decks := router.Group("/api/v2/decks")
	decks.POST("", h.Create)
	decks.GET("", h.List)
	decks.DELETE("", h.DeleteMany)
	decks.GET("/:id", h.Get)
	decks.HEAD("/:id", h.Exists)
	decks.PUT("/:id", h.Update)
	decks.DELETE("/:id", h.Delete)
}

func (h *DeckHandler) Create(c *gin.Context) {
	var in service.DeckInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httpapi.WriteError(c, httpapi.NewValidationError(err.Error()))
		return
	}

	deck, err := h.decks.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/api/v2/decks/%s", deck.ID))
	c.JSON(http.StatusCreated, deck)
}

func (h *DeckHandler) List(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}

	page, err := h.decks.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *DeckHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	deck, err := h.decks.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deck)
}

// Exists answers the card service's existence probe: 204 when present, 404
// otherwise. A malformed id cannot name a deck and is reported as absent.
func (h *DeckHandler) Exists(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	ok, err := h.decks.Exists(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeckHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var in service.DeckInput
	if err := c.ShouldBindJSON(&in); err != nil {
		httpapi.WriteError(c, httpapi.NewValidationError(err.Error()))
		return
	}

	deck, err := h.decks.Update(c.Request.Context(), id, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deck)
}

func (h *DeckHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.decks.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteMany takes ids from ?ids=a,b or a JSON array body.
func (h *DeckHandler) DeleteMany(c *gin.Context) {
	var raw []string
	if q := c.Query("ids"); q != "" {
		raw = strings.Split(q, ",")
	} else if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&raw); err != nil {
			httpapi.WriteError(c, httpapi.NewValidationError("ids must be a JSON array of UUIDs"))
			return
		}
	}
	if len(raw) == 0 {
		httpapi.WriteError(c, httpapi.NewValidationError("ids is required"))
		return
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			httpapi.WriteError(c, httpapi.NewValidationError(fmt.Sprintf("invalid deck id %q", s)))
			return
		}
		ids = append(ids, id)
	}

	if _, err := h.decks.DeleteMany(c.Request.Context(), ids); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpapi.WriteError(c, httpapi.NewValidationError("id must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
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
	case errors.As(err, &verr):
		httpapi.WriteError(c, httpapi.NewValidationError(verr.Error()))
	default:
		httpapi.WriteError(c, err)
	}
}
