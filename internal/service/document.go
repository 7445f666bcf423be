package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/potplag/potplag/internal/domain"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/storage"
	"gorm.io/gorm"
)

// Sentinel errors mapped to HTTP responses by the handlers.
var (
	ErrUnsupportedFileType = errors.New("file type not allowed")
	ErrFileTooLarge        = errors.New("file exceeds the maximum allowed size")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrForbidden           = errors.New("document belongs to another user")
	ErrReportNotReady      = errors.New("report is not available for this document")
	ErrFileGone            = errors.New("uploaded file is no longer available")
)

// Starter launches background processing runs for documents.
// Implemented by Processor.
type Starter interface {
	Start(documentID uint) error
	Running(documentID uint) bool
}

// UploadConfig controls document intake validation and placement.
type UploadConfig struct {
	Dir               string
	MaxBytes          int64
	AllowedExtensions []string
}

// DocumentService handles document intake and lifecycle requests.
type DocumentService struct {
	docs    DocumentStore
	reports storage.ObjectStorage
	starter Starter
	logger  *logger.Logger
	cfg     UploadConfig
}

// NewDocumentService creates a new document service.
// Parameters:
//   - docs: document store.
//   - reports: artifact store holding downloaded similarity reports.
//   - starter: background processing launcher.
//   - log: logger instance.
//   - cfg: upload validation settings.
// Returns:
//   - *DocumentService: initialized service.
func NewDocumentService(
	docs DocumentStore,
	reports storage.ObjectStorage,
	starter Starter,
	log *logger.Logger,
	cfg UploadConfig,
) *DocumentService {
	return &DocumentService{
		docs:    docs,
		reports: reports,
		starter: starter,
		logger:  log,
		cfg:     cfg,
	}
}

// Upload validates an incoming file, persists it to disk, creates the document
// record in `processing`, and kicks off background processing. Validation
// failures happen before any record is created.
// Parameters:
//   - ctx: context for cancellation.
//   - userID: owner of the document.
//   - originalName: filename as uploaded by the user.
//   - src: file content.
//   - size: declared content length in bytes.
// Returns:
//   - *domain.Document: the created record.
//   - error: ErrUnsupportedFileType, ErrFileTooLarge, or an I/O error.
func (s *DocumentService) Upload(ctx context.Context, userID uint, originalName string, src io.Reader, size int64) (*domain.Document, error) {
	originalName = filepath.Base(originalName)
	if !s.extensionAllowed(originalName) {
		return nil, ErrUnsupportedFileType
	}
	if s.cfg.MaxBytes > 0 && size > s.cfg.MaxBytes {
		return nil, ErrFileTooLarge
	}

	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	storedName := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102150405"), sanitizeFilename(originalName))
	path := filepath.Join(s.cfg.Dir, storedName)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	written, err := io.Copy(f, src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.cfg.MaxBytes > 0 && written > s.cfg.MaxBytes {
		err = ErrFileTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrFileTooLarge) {
			return nil, ErrFileTooLarge
		}
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	doc := &domain.Document{
		UserID:           userID,
		Filename:         storedName,
		OriginalFilename: originalName,
		Path:             path,
		Status:           domain.DocumentStatusProcessing,
		UploadedAt:       time.Now().UTC(),
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to create document record: %w", err)
	}

	logger.CtxInfo(ctx, "Document uploaded: %s (%d bytes) as document %d", originalName, written, doc.ID)

	if err := s.starter.Start(doc.ID); err != nil {
		// The record exists and the reconciler will pick it up at next start
		logger.CtxError(ctx, "Failed to start processing for document %d: %v", doc.ID, err)
	}

	return doc, nil
}

// Get loads a document, enforcing ownership unless the caller is an admin.
// Parameters:
//   - ctx: context for cancellation.
//   - userID: requesting user.
//   - isAdmin: whether the requester may see other users' documents.
//   - id: document id.
// Returns:
//   - *domain.Document: the document.
//   - error: ErrDocumentNotFound or ErrForbidden.
func (s *DocumentService) Get(ctx context.Context, userID uint, isAdmin bool, id uint) (*domain.Document, error) {
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	if doc.UserID != userID && !isAdmin {
		return nil, ErrForbidden
	}
	return doc, nil
}

// List returns the caller's documents, most recently uploaded first.
func (s *DocumentService) List(ctx context.Context, userID uint, limit, offset int) ([]domain.Document, error) {
	return s.docs.ListByUser(ctx, userID, limit, offset)
}

// Delete removes a document record together with its uploaded file and any
// stored report artifact. File removal is best-effort; the record always goes.
func (s *DocumentService) Delete(ctx context.Context, userID uint, isAdmin bool, id uint) error {
	doc, err := s.Get(ctx, userID, isAdmin, id)
	if err != nil {
		return err
	}

	if doc.Path != "" {
		if err := os.Remove(doc.Path); err != nil && !os.IsNotExist(err) {
			logger.CtxWarn(ctx, "Failed to remove uploaded file %s: %v", doc.Path, err)
		}
	}
	if doc.ReportPath != "" {
		if err := s.reports.Delete(ctx, doc.ReportPath); err != nil {
			logger.CtxWarn(ctx, "Failed to remove report artifact %s: %v", doc.ReportPath, err)
		}
	}

	if err := s.docs.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	logger.CtxInfo(ctx, "Document %d deleted", id)
	return nil
}

// Reprocess resets a document's outcome and starts a new processing run.
// Submission bookkeeping is preserved so a document already accepted by the
// remote service is not submitted twice; the run resumes from polling.
// Parameters:
//   - ctx: context for cancellation.
//   - userID: requesting user.
//   - isAdmin: whether the requester may act on other users' documents.
//   - id: document id.
// Returns:
//   - error: ErrAlreadyRunning when a run is already active.
func (s *DocumentService) Reprocess(ctx context.Context, userID uint, isAdmin bool, id uint) error {
	doc, err := s.Get(ctx, userID, isAdmin, id)
	if err != nil {
		return err
	}
	if s.starter.Running(id) {
		return ErrAlreadyRunning
	}

	doc.Status = domain.DocumentStatusProcessing
	doc.ProcessedAt = nil
	doc.ReportPath = ""
	doc.SimilarityScore = 0
	doc.AIPercentage = 0
	doc.WordCount = 0
	doc.ErrorMessage = ""
	if err := s.docs.Update(ctx, doc); err != nil {
		return fmt.Errorf("failed to reset document state: %w", err)
	}

	if err := s.starter.Start(id); err != nil {
		return err
	}

	logger.CtxInfo(ctx, "Reprocessing started for document %d", id)
	return nil
}

// DownloadReport streams the stored similarity report for a completed document.
// Parameters:
//   - ctx: context for cancellation.
//   - userID: requesting user.
//   - isAdmin: whether the requester may read other users' reports.
//   - id: document id.
// Returns:
//   - io.ReadCloser: report content; caller must close.
//   - string: suggested download filename.
//   - error: ErrReportNotReady when no report is stored yet.
func (s *DocumentService) DownloadReport(ctx context.Context, userID uint, isAdmin bool, id uint) (io.ReadCloser, string, error) {
	doc, err := s.Get(ctx, userID, isAdmin, id)
	if err != nil {
		return nil, "", err
	}
	if doc.Status != domain.DocumentStatusCompleted || doc.ReportPath == "" {
		return nil, "", ErrReportNotReady
	}

	rc, err := s.reports.Download(ctx, doc.ReportPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open report artifact: %w", err)
	}
	return rc, filepath.Base(doc.ReportPath), nil
}

// DownloadFile streams the user's originally uploaded file back.
// Parameters:
//   - ctx: context for cancellation.
//   - userID: requesting user.
//   - isAdmin: whether the requester may read other users' files.
//   - id: document id.
// Returns:
//   - io.ReadCloser: file content; caller must close.
//   - string: the original upload filename.
//   - error: ErrFileGone when the file has been removed from disk.
func (s *DocumentService) DownloadFile(ctx context.Context, userID uint, isAdmin bool, id uint) (io.ReadCloser, string, error) {
	doc, err := s.Get(ctx, userID, isAdmin, id)
	if err != nil {
		return nil, "", err
	}
	if doc.Path == "" {
		return nil, "", ErrFileGone
	}

	f, err := os.Open(doc.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrFileGone
		}
		return nil, "", fmt.Errorf("failed to open uploaded file: %w", err)
	}
	return f, doc.OriginalFilename, nil
}

// extensionAllowed checks the filename extension against the allow-list.
func (s *DocumentService) extensionAllowed(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedExtensions {
		if ext == strings.ToLower(strings.TrimPrefix(allowed, ".")) {
			return true
		}
	}
	return false
}

// sanitizeFilename strips characters that are unsafe in filesystem paths,
// keeping letters, digits, dots, dashes, and underscores.
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		out = "upload"
	}
	return out
}
