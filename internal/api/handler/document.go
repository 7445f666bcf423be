package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/potplag/potplag/internal/api/middleware"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/service"
)

// DocumentHandler handles document upload and lifecycle requests.
type DocumentHandler struct {
	docs *service.DocumentService
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(docs *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

// Upload accepts a multipart file upload and starts processing.
// POST /api/v1/documents
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer f.Close()

	doc, err := h.docs.Upload(c.Request.Context(), middleware.UserID(c), fileHeader.Filename, f, fileHeader.Size)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnsupportedFileType):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrFileTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		default:
			logger.CtxError(c.Request.Context(), "Upload failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		}
		return
	}

	c.JSON(http.StatusCreated, doc)
}

// List returns the caller's documents, newest first.
// GET /api/v1/documents
func (h *DocumentHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	docs, err := h.docs.List(c.Request.Context(), middleware.UserID(c), limit, offset)
	if err != nil {
		logger.CtxError(c.Request.Context(), "Failed to list documents: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"documents": docs,
		"limit":     limit,
		"offset":    offset,
	})
}

// Get returns a single document with its processing status.
// GET /api/v1/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}

	doc, err := h.docs.Get(c.Request.Context(), middleware.UserID(c), middleware.IsAdmin(c), id)
	if err != nil {
		respondDocumentError(c, err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

// Delete removes a document, its uploaded file, and its report.
// DELETE /api/v1/documents/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}

	if err := h.docs.Delete(c.Request.Context(), middleware.UserID(c), middleware.IsAdmin(c), id); err != nil {
		respondDocumentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "document deleted"})
}

// Reprocess restarts processing for a document.
// POST /api/v1/documents/:id/reprocess
func (h *DocumentHandler) Reprocess(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}

	if err := h.docs.Reprocess(c.Request.Context(), middleware.UserID(c), middleware.IsAdmin(c), id); err != nil {
		if errors.Is(err, service.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "document is already being processed"})
			return
		}
		respondDocumentError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "reprocessing started"})
}

// Report streams the similarity report PDF for a completed document.
// GET /api/v1/documents/:id/report
func (h *DocumentHandler) Report(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}

	rc, name, err := h.docs.DownloadReport(c.Request.Context(), middleware.UserID(c), middleware.IsAdmin(c), id)
	if err != nil {
		if errors.Is(err, service.ErrReportNotReady) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		respondDocumentError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Type", "application/pdf")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		logger.CtxWarn(c.Request.Context(), "Report download aborted: %v", err)
	}
}

// File streams the originally uploaded file back to its owner.
// GET /api/v1/documents/:id/file
func (h *DocumentHandler) File(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}

	rc, name, err := h.docs.DownloadFile(c.Request.Context(), middleware.UserID(c), middleware.IsAdmin(c), id)
	if err != nil {
		if errors.Is(err, service.ErrFileGone) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		respondDocumentError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		logger.CtxWarn(c.Request.Context(), "File download aborted: %v", err)
	}
}

// documentID parses the :id path parameter, responding with 400 on failure.
func documentID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return 0, false
	}
	return uint(id), true
}

// respondDocumentError maps service errors to HTTP responses.
func respondDocumentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	default:
		logger.CtxError(c.Request.Context(), "Document request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
