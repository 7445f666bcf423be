package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/potplag/potplag/internal/domain"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/remote"
	"github.com/potplag/potplag/internal/storage"
	"gorm.io/gorm"
)

// ErrAlreadyRunning indicates a processing run is already active for the document.
var ErrAlreadyRunning = errors.New("document is already being processed")

// DocumentStore is the persistence surface the document services need.
// Implemented by repository.DocumentRepository.
type DocumentStore interface {
	Create(ctx context.Context, doc *domain.Document) error
	Update(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id uint) (*domain.Document, error)
	Delete(ctx context.Context, id uint) error
	ListByUser(ctx context.Context, userID uint, limit, offset int) ([]domain.Document, error)
	ListByStatus(ctx context.Context, status domain.DocumentStatus, limit, offset int) ([]domain.Document, error)
	CountByStatus(ctx context.Context, status domain.DocumentStatus) (int64, error)
}

// ProcessorConfig holds the retry policy for result polling.
type ProcessorConfig struct {
	MaxAttempts  int
	PollInterval time.Duration
	InitialDelay time.Duration
	StaleAfter   time.Duration
}

// Processor drives one document from `processing` to a terminal outcome,
// with at most one remote submission per document and at most one active run
// per document id.
type Processor struct {
	docs    DocumentStore
	dialer  remote.Dialer
	reports storage.ObjectStorage
	logger  *logger.Logger

	maxAttempts  int
	pollInterval time.Duration
	initialDelay time.Duration
	staleAfter   time.Duration

	mu       sync.Mutex
	inFlight map[uint]struct{}
}

// NewProcessor creates a new document processor.
// Parameters:
//   - docs: document store for status persistence.
//   - dialer: remote service session factory.
//   - reports: artifact store for downloaded similarity reports.
//   - log: logger instance.
//   - cfg: polling/retry configuration.
// Returns:
//   - *Processor: initialized processor.
func NewProcessor(
	docs DocumentStore,
	dialer remote.Dialer,
	reports storage.ObjectStorage,
	log *logger.Logger,
	cfg *ProcessorConfig,
) *Processor {
	return &Processor{
		docs:         docs,
		dialer:       dialer,
		reports:      reports,
		logger:       log,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		initialDelay: cfg.InitialDelay,
		staleAfter:   cfg.StaleAfter,
		inFlight:     make(map[uint]struct{}),
	}
}

// acquire claims the single-flight slot for a document id.
func (p *Processor) acquire(id uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) release(id uint) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// Running reports whether a run is currently active for the document.
func (p *Processor) Running(documentID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.inFlight[documentID]
	return busy
}

// Start launches a detached background run for the document. The triggering
// request returns immediately; the run owns its own context and never reports
// errors back to the caller.
// Parameters:
//   - documentID: document to process.
// Returns:
//   - error: ErrAlreadyRunning when a run is active for this document.
func (p *Processor) Start(documentID uint) error {
	if !p.acquire(documentID) {
		return ErrAlreadyRunning
	}

	go func() {
		defer p.release(documentID)

		ctx := p.logger.WithContext(context.Background())
		ctx = logger.SetComponent(ctx, "processor")
		ctx = logger.SetDocumentID(ctx, documentID)

		p.process(ctx, documentID)
	}()

	return nil
}

// Run executes a processing run synchronously, honoring the per-document
// single-flight guard.
// Parameters:
//   - ctx: context for cancellation.
//   - documentID: document to process.
// Returns:
//   - bool: true if the document reached `completed`.
func (p *Processor) Run(ctx context.Context, documentID uint) bool {
	if !p.acquire(documentID) {
		logger.CtxWarn(ctx, "Skipping run, document %d is already being processed", documentID)
		return false
	}
	defer p.release(documentID)
	return p.process(ctx, documentID)
}

// process is the document lifecycle state machine. Every status transition is
// persisted before the next network-bound step so a crash leaves the record
// resumable, and no error or panic escapes past this boundary.
func (p *Processor) process(ctx context.Context, documentID uint) (succeeded bool) {
	doc, err := p.docs.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.CtxWarn(ctx, "Document %d not found, nothing to process", documentID)
		} else {
			logger.CtxError(ctx, "Failed to load document %d: %v", documentID, err)
		}
		return false
	}

	ctx = logger.SetUserID(ctx, doc.UserID)

	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, doc, fmt.Sprintf("Processing error: %v", r))
			succeeded = false
		}
	}()

	start := time.Now()
	logger.CtxInfo(ctx, "Starting processing for document: %s", doc.OriginalFilename)

	// Mark processing immediately so concurrent viewers see progress
	doc.Status = domain.DocumentStatusProcessing
	doc.ErrorMessage = ""
	if err := p.docs.Update(ctx, doc); err != nil {
		logger.CtxError(ctx, "Failed to persist processing status: %v", err)
		return false
	}

	sess, err := p.dialer.Dial(ctx)
	if err != nil {
		if errors.Is(err, remote.ErrNoCredentials) {
			p.fail(ctx, doc, "Academi.cx credentials not configured")
		} else {
			p.fail(ctx, doc, fmt.Sprintf("Failed to connect to academi.cx: %v", err))
		}
		return false
	}
	defer sess.Close()

	if err := sess.Login(ctx); err != nil {
		logger.CtxError(ctx, "Remote login failed: %v", err)
		p.fail(ctx, doc, "Failed to login to academi.cx")
		return false
	}

	// Submit at most once per document; reprocessing resumes from polling
	freshSubmission := false
	if !doc.AcademiUploaded {
		if _, err := os.Stat(doc.Path); err != nil {
			p.fail(ctx, doc, fmt.Sprintf("Uploaded file not found: %s", doc.Path))
			return false
		}

		handle, err := sess.Submit(ctx, doc.Path)
		if err != nil {
			logger.CtxError(ctx, "Remote submission failed: %v", err)
			p.fail(ctx, doc, "Failed to upload document to academi.cx")
			return false
		}

		now := time.Now().UTC()
		doc.AcademiUploaded = true
		doc.AcademiUploadTime = &now
		doc.AcademiUploadName = handle
		if err := p.docs.Update(ctx, doc); err != nil {
			logger.CtxError(ctx, "Failed to persist submission state: %v", err)
			return false
		}
		freshSubmission = true

		if handle == "" {
			logger.CtxWarn(ctx, "Submission reported success without a correlation handle, will fall back to filename search")
		} else {
			logger.CtxInfo(ctx, "Document submitted as: %s", handle)
		}
	}

	// The handle is the trustworthy correlation key; filename search is
	// degraded-mode behavior for submissions that never reported one.
	searchName := doc.AcademiUploadName
	if searchName == "" {
		searchName = doc.OriginalFilename
		logger.CtxWarn(ctx, "No correlation handle recorded, searching by original filename: %s", searchName)
	}

	report := p.pollForReport(ctx, sess, searchName, freshSubmission)
	if report == nil {
		p.fail(ctx, doc, "Processing timed out - results not available after maximum wait time")
		return false
	}

	reportKey := report.ReportName
	if reportKey == "" {
		reportKey = fmt.Sprintf("document_%d_similarity_report.pdf", doc.ID)
	}
	if err := p.reports.Upload(ctx, reportKey, bytes.NewReader(report.Data), int64(len(report.Data)), "application/pdf"); err != nil {
		p.fail(ctx, doc, fmt.Sprintf("Failed to store similarity report: %v", err))
		return false
	}

	processedAt := report.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	doc.Status = domain.DocumentStatusCompleted
	doc.ProcessedAt = &processedAt
	doc.ReportPath = reportKey
	doc.SimilarityScore = report.SimilarityScore
	doc.AIPercentage = report.AIPercentage
	doc.WordCount = report.WordCount
	doc.ErrorMessage = ""
	if err := p.docs.Update(ctx, doc); err != nil {
		logger.CtxError(ctx, "Failed to persist completed status: %v", err)
		return false
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldStatus:     string(doc.Status),
	}).Info(ctx, "Document processing completed: report=%s", reportKey)

	return true
}

// pollForReport asks the remote session for a finished report up to
// maxAttempts times with a fixed interval between attempts. The remote side
// takes minutes, so there is no backoff to tune. Returns nil when the bound
// is exhausted.
func (p *Processor) pollForReport(ctx context.Context, sess remote.Session, handle string, freshSubmission bool) *remote.Report {
	// A fresh submission needs time to be recognized remotely before the
	// dashboard lists it at all.
	if freshSubmission && p.initialDelay > 0 {
		logger.CtxInfo(ctx, "Waiting %s for the remote side to register the upload", p.initialDelay)
		if !sleepCtx(ctx, p.initialDelay) {
			return nil
		}
	}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		report, err := sess.FetchResult(ctx, handle)
		if err != nil {
			logger.With(logger.Fields{logger.FieldAttempt: attempt}).
				Warn(ctx, "Result fetch failed: %v", err)
		} else if report != nil {
			logger.With(logger.Fields{logger.FieldAttempt: attempt}).
				Info(ctx, "Report available for: %s", handle)
			return report
		}

		if attempt < p.maxAttempts && p.pollInterval > 0 {
			if !sleepCtx(ctx, p.pollInterval) {
				return nil
			}
		}
	}

	return nil
}

// fail transitions the document to the failed terminal state.
func (p *Processor) fail(ctx context.Context, doc *domain.Document, msg string) {
	doc.Status = domain.DocumentStatusFailed
	doc.ErrorMessage = msg
	if err := p.docs.Update(ctx, doc); err != nil {
		logger.CtxError(ctx, "Failed to persist failed status: %v", err)
	}
	logger.CtxError(ctx, "Document processing failed: %s", msg)
}

// RecoverStale reconciles documents left in `processing` by an earlier process
// exit: recent ones are resumed, older ones are failed with a descriptive error.
// Intended to run once at startup.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil if the listing fails.
func (p *Processor) RecoverStale(ctx context.Context) error {
	const pageSize = 100

	// Snapshot the full set before touching any record: marking documents
	// failed below shrinks the `processing` result set, which would shift
	// offset-based pages underneath the pagination and skip records.
	var pending []domain.Document
	for offset := 0; ; offset += pageSize {
		docs, err := p.docs.ListByStatus(ctx, domain.DocumentStatusProcessing, pageSize, offset)
		if err != nil {
			return fmt.Errorf("failed to list processing documents: %w", err)
		}
		pending = append(pending, docs...)
		if len(docs) < pageSize {
			break
		}
	}

	for i := range pending {
		doc := pending[i]
		if p.staleAfter > 0 && time.Since(doc.UpdatedAt) > p.staleAfter {
			doc.Status = domain.DocumentStatusFailed
			doc.ErrorMessage = "Processing interrupted by server restart"
			if err := p.docs.Update(ctx, &doc); err != nil {
				logger.CtxError(ctx, "Failed to mark stale document %d: %v", doc.ID, err)
				continue
			}
			logger.CtxWarn(ctx, "Marked stale document %d as failed (last update %s)", doc.ID, doc.UpdatedAt.Format(time.RFC3339))
			continue
		}

		if err := p.Start(doc.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logger.CtxError(ctx, "Failed to resume document %d: %v", doc.ID, err)
			continue
		}
		logger.CtxInfo(ctx, "Resumed processing for document %d", doc.ID)
	}

	return nil
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
