package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"notesync/backend/internal/logging"
	"notesync/backend/internal/note"
)

type NoteService interface {
	List(ctx context.Context, ownerID uint64, page, limit int) (note.Page, error)
	Get(ctx context.Context, ownerID uint64, noteID string) (note.Note, error)
	Create(ctx context.Context, ownerID uint64, title, content string) (note.Note, error)
	Update(ctx context.Context, ownerID uint64, noteID, title, content string) (note.Note, error)
	Delete(ctx context.Context, ownerID uint64, noteID string) error
}

type NoteHandler struct {
	svc             NoteService
	log             logging.Logger
	defaultPageSize int
	maxPageSize     int
}

func NewNoteHandler(svc NoteService, log logging.Logger, defaultPageSize, maxPageSize int) *NoteHandler {
	return &NoteHandler{svc: svc, log: log, defaultPageSize: defaultPageSize, maxPageSize: maxPageSize}
}

type noteReq struct {
	Title   string `json:"title" form:"title"`
	Content string `json:"content" form:"content"`
}

func (h *NoteHandler) paging(c *gin.Context) (int, int, error) {
	page, limit := 1, h.defaultPageSize
	if v := c.Query("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			return 0, 0, fmt.Errorf("%w: page must be a positive integer", note.ErrValidation)
		}
		page = p
	}
	if v := c.Query("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 || l > h.maxPageSize {
			return 0, 0, fmt.Errorf("%w: limit must be between 1 and %d", note.ErrValidation, h.maxPageSize)
		}
		limit = l
	}
	return page, limit, nil
}

func (h *NoteHandler) List(c *gin.Context) {
	page, limit, err := h.paging(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	result, err := h.svc.List(c.Request.Context(), userID(c), page, limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if wantsJSON(c) {
		c.JSON(http.StatusOK, result)
		return
	}
	c.HTML(http.StatusOK, "notes.tmpl", gin.H{
		"Username": c.GetString("username"),
		"Notes":    result.Notes,
		"HasMore":  result.HasMore,
		"NextPage": page + 1,
		"Limit":    limit,
	})
}

func (h *NoteHandler) Get(c *gin.Context) {
	n, err := h.svc.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *NoteHandler) Create(c *gin.Context) {
	var req noteReq
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	n, err := h.svc.Create(c.Request.Context(), userID(c), req.Title, req.Content)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (h *NoteHandler) Update(c *gin.Context) {
	var req noteReq
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	n, err := h.svc.Update(c.Request.Context(), userID(c), c.Param("id"), req.Title, req.Content)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (h *NoteHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Note deleted successfully"})
}
