package service

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/potplag/potplag/internal/domain"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/remote"
	"github.com/potplag/potplag/internal/storage"
	"gorm.io/gorm"
)

// fakeDocStore is an in-memory DocumentStore for tests.
type fakeDocStore struct {
	mu   sync.Mutex
	docs map[uint]*domain.Document
	next uint
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[uint]*domain.Document)}
}

func (s *fakeDocStore) Create(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	doc.ID = s.next
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *fakeDocStore) Update(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	doc.UpdatedAt = time.Now().UTC()
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

func (s *fakeDocStore) GetByID(ctx context.Context, id uint) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *fakeDocStore) Delete(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *fakeDocStore) ListByUser(ctx context.Context, userID uint, limit, offset int) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Document
	for _, doc := range s.docs {
		if doc.UserID == userID {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (s *fakeDocStore) ListByStatus(ctx context.Context, status domain.DocumentStatus, limit, offset int) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Document
	for _, doc := range s.docs {
		if doc.Status == status {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeDocStore) ListAll(ctx context.Context, limit, offset int) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Document
	for _, doc := range s.docs {
		out = append(out, *doc)
	}
	return out, nil
}

func (s *fakeDocStore) CountByStatus(ctx context.Context, status domain.DocumentStatus) (int64, error) {
	docs, _ := s.ListByStatus(ctx, status, 0, 0)
	return int64(len(docs)), nil
}

// seed inserts a document directly, bypassing Create bookkeeping adjustments.
func (s *fakeDocStore) seed(doc *domain.Document) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	doc.ID = s.next
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	cp := *doc
	s.docs[doc.ID] = &cp
	return doc.ID
}

// stubSession is a scripted remote.Session.
type stubSession struct {
	mu         sync.Mutex
	loginErr   error
	submitErr  error
	handle     string
	report     *remote.Report
	readyAfter int // fetch attempt at which the report becomes available
	submits    int
	fetches    int
	closed     bool
}

func (s *stubSession) Login(ctx context.Context) error { return s.loginErr }

func (s *stubSession) Submit(ctx context.Context, filePath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.handle, nil
}

func (s *stubSession) FetchResult(ctx context.Context, handle string) (*remote.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.report != nil && s.fetches >= s.readyAfter {
		return s.report, nil
	}
	return nil, nil
}

func (s *stubSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *stubSession) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *stubSession) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

type stubDialer struct {
	sess    *stubSession
	dialErr error
}

func (d *stubDialer) Dial(ctx context.Context) (remote.Session, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.sess, nil
}

func newTestProcessor(t *testing.T, store DocumentStore, dialer remote.Dialer) (*Processor, storage.ObjectStorage) {
	t.Helper()
	reports, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create report store: %v", err)
	}
	p := NewProcessor(store, dialer, reports, logger.GetDefault(), &ProcessorConfig{
		MaxAttempts:  3,
		PollInterval: 0,
		InitialDelay: 0,
		StaleAfter:   time.Minute,
	})
	return p, reports
}

// writeUpload creates a file on disk the way intake would.
func writeUpload(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("document body"), 0644); err != nil {
		t.Fatalf("failed to write upload: %v", err)
	}
	return path
}

func seedProcessingDoc(store *fakeDocStore, path string) uint {
	return store.seed(&domain.Document{
		UserID:           1,
		Filename:         filepath.Base(path),
		OriginalFilename: "essay.pdf",
		Path:             path,
		Status:           domain.DocumentStatusProcessing,
		UploadedAt:       time.Now().UTC(),
	})
}

func TestRunCompletesDocument(t *testing.T) {
	store := newFakeDocStore()
	id := seedProcessingDoc(store, writeUpload(t, "essay.pdf"))

	sess := &stubSession{
		handle:     "essay_20250101_120000_abcd1234.pdf",
		readyAfter: 2,
		report: &remote.Report{
			DocumentName:    "essay_20250101_120000_abcd1234.pdf",
			ProcessedAt:     time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC),
			ReportName:      "essay_20250101_120000_abcd1234_similarity_report.pdf",
			Data:            []byte("%PDF-1.4 report"),
			SimilarityScore: 12.5,
			AIPercentage:    3.0,
			WordCount:       1500,
		},
	}
	p, reports := newTestProcessor(t, store, &stubDialer{sess: sess})

	if ok := p.Run(context.Background(), id); !ok {
		t.Fatal("expected run to succeed")
	}

	doc, _ := store.GetByID(context.Background(), id)
	if doc.Status != domain.DocumentStatusCompleted {
		t.Fatalf("status = %q, want completed", doc.Status)
	}
	if doc.ProcessedAt == nil {
		t.Error("ProcessedAt not set on completed document")
	}
	if doc.ReportPath == "" {
		t.Error("ReportPath not set on completed document")
	}
	if doc.SimilarityScore != 12.5 || doc.AIPercentage != 3.0 || doc.WordCount != 1500 {
		t.Errorf("metrics = (%v, %v, %v), want (12.5, 3.0, 1500)",
			doc.SimilarityScore, doc.AIPercentage, doc.WordCount)
	}
	if !doc.AcademiUploaded || doc.AcademiUploadName != sess.handle {
		t.Errorf("submission bookkeeping = (%t, %q), want (true, %q)",
			doc.AcademiUploaded, doc.AcademiUploadName, sess.handle)
	}

	exists, err := reports.Exists(context.Background(), doc.ReportPath)
	if err != nil || !exists {
		t.Errorf("report artifact %q not stored (exists=%t, err=%v)", doc.ReportPath, exists, err)
	}
	if !sess.closed {
		t.Error("session not closed after run")
	}
}

func TestRunFailsAfterPollBound(t *testing.T) {
	store := newFakeDocStore()
	id := seedProcessingDoc(store, writeUpload(t, "essay.pdf"))

	sess := &stubSession{handle: "essay_x.pdf"} // report never ready
	p, _ := newTestProcessor(t, store, &stubDialer{sess: sess})

	if ok := p.Run(context.Background(), id); ok {
		t.Fatal("expected run to fail")
	}

	if got := sess.fetchCount(); got != 3 {
		t.Errorf("fetch attempts = %d, want exactly 3", got)
	}

	doc, _ := store.GetByID(context.Background(), id)
	if doc.Status != domain.DocumentStatusFailed {
		t.Fatalf("status = %q, want failed", doc.Status)
	}
	if !strings.Contains(doc.ErrorMessage, "timed out") {
		t.Errorf("error message %q does not mention the timeout", doc.ErrorMessage)
	}
}

func TestRunLoginFailure(t *testing.T) {
	store := newFakeDocStore()
	id := seedProcessingDoc(store, writeUpload(t, "essay.pdf"))

	sess := &stubSession{loginErr: context.DeadlineExceeded}
	p, _ := newTestProcessor(t, store, &stubDialer{sess: sess})

	if ok := p.Run(context.Background(), id); ok {
		t.Fatal("expected run to fail")
	}

	doc, _ := store.GetByID(context.Background(), id)
	if doc.Status != domain.DocumentStatusFailed {
		t.Fatalf("status = %q, want failed", doc.Status)
	}
	if !strings.Contains(strings.ToLower(doc.ErrorMessage), "login") {
		t.Errorf("error message %q does not mention login", doc.ErrorMessage)
	}
	if !sess.closed {
		t.Error("session not closed after login failure")
	}
}

func TestRunNoCredentials(t *testing.T) {
	store := newFakeDocStore()
	id := seedProcessingDoc(store, writeUpload(t, "essay.pdf"))

	p, _ := newTestProcessor(t, store, &stubDialer{dialErr: remote.ErrNoCredentials})

	if ok := p.Run(context.Background(), id); ok {
		t.Fatal("expected run to fail")
	}

	doc, _ := store.GetByID(context.Background(), id)
	if doc.ErrorMessage != "Academi.cx credentials not configured" {
		t.Errorf("error message = %q", doc.ErrorMessage)
	}
}

func TestRunMissingUploadFile(t *testing.T) {
	store := newFakeDocStore()
	id := store.seed(&domain.Document{
		UserID:           1,
		OriginalFilename: "essay.pdf",
		Path:             "/nonexistent/essay.pdf",
		Status:           domain.DocumentStatusProcessing,
	})

	sess := &stubSession{handle: "essay_x.pdf"}
	p, _ := newTestProcessor(t, store, &stubDialer{sess: sess})

	if ok := p.Run(context.Background(), id); ok {
		t.Fatal("expected run to fail")
	}

	doc, _ := store.GetByID(context.Background(), id)
	if !strings.Contains(doc.ErrorMessage, "Uploaded file not found") {
		t.Errorf("error message = %q", doc.ErrorMessage)
	}
	if sess.submitCount() != 0 {
		t.Error("submit attempted for a missing file")
	}
}

func TestRunSubmitFailure(t *testing.T) {
	store := newFakeDocStore()
	id := seedProcessingDoc(store, writeUpload(t, "essay.pdf"))

	sess := &stubSession{submitErr: context.DeadlineExceeded}
	p, _ := newTestProcessor(t, store, &stubDialer{sess: sess})

	if ok := p.Run(context.Background(), id); ok {
		t.Fatal("expected run to fail")
	}

	doc, _ := store.GetByID(context.Background(), id)
	if doc.ErrorMessage != "Failed to upload document to academi.cx" {
		t.Errorf("error message = %q", doc.ErrorMessage)
	}
}

func TestRunSkipsResubmission(t *testing.T) {
	store := newFakeDocStore()
	uploadTime := time.Now().UTC().Add(-time.Hour)
	id := store.seed(&domain.Document{
		UserID:            1,
		OriginalFilename:  "essay.pdf",
		Path:              "/gone/essay.pdf", // file may be gone; resumption must not need it
		Status:            domain.DocumentStatusProcessing,
		AcademiUploaded:   true,
		AcademiUploadTime: &uploadTime,
		AcademiUploadName: "essay_20250101_120000_abcd1234.pdf",
	})

	sess := &stubSession{
		readyAfter: 1,
		report: &remote.Report{
			ReportName: "essay_similarity_report.pdf",
			Data:       []byte("%PDF"),
		},
	}
	p, _ := newTestProcessor(t, store, &stubDialer{sess: sess})

	if ok := p.Run(context.Background(), id); !ok {
		t.Fatal("expected run to succeed")
	}

	if sess.submitCount() != 0 {
		t.Errorf("submit called %d times for an already-submitted document", sess.submitCount())
	}

	doc, _ := store.GetByID(context.Background(), id)
	if doc.Status != domain.DocumentStatusCompleted {
		t.Fatalf("status = %q, want completed", doc.Status)
	}
	if doc.AcademiUploadName != "essay_20250101_120000_abcd1234.pdf" {
		t.Errorf("correlation handle changed to %q", doc.AcademiUploadName)
	}
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	store := newFakeDocStore()
	id := seedProcessingDoc(store, writeUpload(t, "essay.pdf"))

	p, _ := newTestProcessor(t, store, &stubDialer{sess: &stubSession{}})

	if !p.acquire(id) {
		t.Fatal("failed to claim the single-flight slot")
	}
	defer p.release(id)

	if err := p.Start(id); err != ErrAlreadyRunning {
		t.Errorf("Start = %v, want ErrAlreadyRunning", err)
	}
	if !p.Running(id) {
		t.Error("Running = false while the slot is held")
	}
}

func TestRecoverStale(t *testing.T) {
	store := newFakeDocStore()

	staleID := store.seed(&domain.Document{
		UserID:    1,
		Status:    domain.DocumentStatusProcessing,
		UpdatedAt: time.Now().UTC().Add(-2 * time.Hour),
	})
	recentID := store.seed(&domain.Document{
		UserID:            1,
		Status:            domain.DocumentStatusProcessing,
		UpdatedAt:         time.Now().UTC(),
		AcademiUploaded:   true,
		AcademiUploadName: "essay_x.pdf",
	})

	sess := &stubSession{
		readyAfter: 1,
		report:     &remote.Report{ReportName: "r.pdf", Data: []byte("%PDF")},
	}
	p, _ := newTestProcessor(t, store, &stubDialer{sess: sess})

	if err := p.RecoverStale(context.Background()); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}

	stale, _ := store.GetByID(context.Background(), staleID)
	if stale.Status != domain.DocumentStatusFailed {
		t.Errorf("stale document status = %q, want failed", stale.Status)
	}
	if stale.ErrorMessage != "Processing interrupted by server restart" {
		t.Errorf("stale document error = %q", stale.ErrorMessage)
	}

	// The recent document resumes in the background; wait for its run to finish
	deadline := time.Now().Add(2 * time.Second)
	for {
		recent, _ := store.GetByID(context.Background(), recentID)
		if recent.Status != domain.DocumentStatusProcessing && !p.Running(recentID) {
			if recent.Status != domain.DocumentStatusCompleted {
				t.Errorf("recent document status = %q, want completed", recent.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recent document was not resumed in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecoverStaleAcrossPages(t *testing.T) {
	store := newFakeDocStore()

	// More stale documents than one reconciliation page (100): marking the
	// first page failed must not shift later pages out from under the scan.
	const total = 150
	for i := 0; i < total; i++ {
		store.seed(&domain.Document{
			UserID:    1,
			Status:    domain.DocumentStatusProcessing,
			UpdatedAt: time.Now().UTC().Add(-2 * time.Hour),
		})
	}

	p, _ := newTestProcessor(t, store, &stubDialer{sess: &stubSession{}})

	if err := p.RecoverStale(context.Background()); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}

	left, _ := store.CountByStatus(context.Background(), domain.DocumentStatusProcessing)
	if left != 0 {
		t.Errorf("%d of %d stale documents left in processing after reconciliation", left, total)
	}
	failed, _ := store.CountByStatus(context.Background(), domain.DocumentStatusFailed)
	if failed != total {
		t.Errorf("failed count = %d, want %d", failed, total)
	}
}

func TestTerminalStateInvariants(t *testing.T) {
	tests := []struct {
		name    string
		session *stubSession
		wantOK  bool
	}{
		{
			name: "completed has report and timestamp",
			session: &stubSession{
				handle:     "h.pdf",
				readyAfter: 1,
				report:     &remote.Report{ReportName: "h_similarity_report.pdf", Data: []byte("%PDF")},
			},
			wantOK: true,
		},
		{
			name:    "failed has error message",
			session: &stubSession{handle: "h.pdf"},
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeDocStore()
			id := seedProcessingDoc(store, writeUpload(t, "essay.pdf"))
			p, _ := newTestProcessor(t, store, &stubDialer{sess: tt.session})

			if ok := p.Run(context.Background(), id); ok != tt.wantOK {
				t.Fatalf("Run = %t, want %t", ok, tt.wantOK)
			}

			doc, _ := store.GetByID(context.Background(), id)
			switch doc.Status {
			case domain.DocumentStatusCompleted:
				if doc.ReportPath == "" || doc.ProcessedAt == nil {
					t.Errorf("completed document missing report (%q) or timestamp (%v)", doc.ReportPath, doc.ProcessedAt)
				}
			case domain.DocumentStatusFailed:
				if doc.ErrorMessage == "" {
					t.Error("failed document has no error message")
				}
			default:
				t.Errorf("document left in non-terminal status %q", doc.Status)
			}
		})
	}
}
