package service

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/potplag/potplag/internal/domain"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/storage"
	"gorm.io/gorm"
)

func (s *fakeUserStore) ListAll(ctx context.Context, limit, offset int) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.User
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeUserStore) Delete(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

func newTestAdminService(t *testing.T, users AdminUserStore, docs AdminDocumentStore) (*AdminService, storage.ObjectStorage) {
	t.Helper()
	reports, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create report store: %v", err)
	}
	return NewAdminService(users, docs, reports, logger.GetDefault()), reports
}

func seedUser(t *testing.T, store *fakeUserStore, username string) *domain.User {
	t.Helper()
	user := &domain.User{Username: username, Email: username + "@example.com", IsActive: true}
	if err := store.Create(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return user
}

func TestSetUserActive(t *testing.T) {
	users := newFakeUserStore()
	svc, _ := newTestAdminService(t, users, newFakeDocStore())
	user := seedUser(t, users, "alice")

	if err := svc.SetUserActive(context.Background(), user.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	got, _ := users.GetByID(context.Background(), user.ID)
	if got.IsActive {
		t.Error("user still active after disable")
	}

	if err := svc.SetUserActive(context.Background(), 999, false); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing SetUserActive = %v, want ErrUserNotFound", err)
	}
}

func TestSetUserAdmin(t *testing.T) {
	users := newFakeUserStore()
	svc, _ := newTestAdminService(t, users, newFakeDocStore())
	user := seedUser(t, users, "alice")

	if err := svc.SetUserAdmin(context.Background(), user.ID, true); err != nil {
		t.Fatalf("grant SetUserAdmin: %v", err)
	}
	got, _ := users.GetByID(context.Background(), user.ID)
	if !got.IsAdmin {
		t.Error("admin role not granted")
	}

	if err := svc.SetUserAdmin(context.Background(), user.ID, false); err != nil {
		t.Fatalf("revoke SetUserAdmin: %v", err)
	}
	got, _ = users.GetByID(context.Background(), user.ID)
	if got.IsAdmin {
		t.Error("admin role not revoked")
	}

	if err := svc.SetUserAdmin(context.Background(), 999, true); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing SetUserAdmin = %v, want ErrUserNotFound", err)
	}
}

func TestDeleteUserRemovesDocuments(t *testing.T) {
	users := newFakeUserStore()
	docs := newFakeDocStore()
	svc, reports := newTestAdminService(t, users, docs)
	ctx := context.Background()

	victim := seedUser(t, users, "alice")
	bystander := seedUser(t, users, "bob")

	if err := reports.Upload(ctx, "alice_report.pdf", strings.NewReader("%PDF"), 4, "application/pdf"); err != nil {
		t.Fatalf("failed to seed report: %v", err)
	}
	victimPath := writeUpload(t, "essay.pdf")
	docs.seed(&domain.Document{
		UserID:     victim.ID,
		Path:       victimPath,
		Status:     domain.DocumentStatusCompleted,
		ReportPath: "alice_report.pdf",
	})
	docs.seed(&domain.Document{UserID: victim.ID, Status: domain.DocumentStatusFailed})
	keptID := docs.seed(&domain.Document{UserID: bystander.ID, Status: domain.DocumentStatusCompleted})

	if err := svc.DeleteUser(ctx, victim.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	if _, err := users.GetByID(ctx, victim.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("user record still present after delete")
	}
	if left, _ := docs.ListByUser(ctx, victim.ID, 100, 0); len(left) != 0 {
		t.Errorf("%d documents left after user delete", len(left))
	}
	if _, err := os.Stat(victimPath); !os.IsNotExist(err) {
		t.Error("uploaded file still on disk after user delete")
	}
	if exists, _ := reports.Exists(ctx, "alice_report.pdf"); exists {
		t.Error("report artifact still stored after user delete")
	}

	// Other users' data is untouched
	if _, err := docs.GetByID(ctx, keptID); err != nil {
		t.Errorf("bystander document removed: %v", err)
	}
	if _, err := users.GetByID(ctx, bystander.ID); err != nil {
		t.Errorf("bystander user removed: %v", err)
	}
}

func TestDeleteUserMissing(t *testing.T) {
	svc, _ := newTestAdminService(t, newFakeUserStore(), newFakeDocStore())
	if err := svc.DeleteUser(context.Background(), 999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("DeleteUser = %v, want ErrUserNotFound", err)
	}
}

func TestDocumentStats(t *testing.T) {
	docs := newFakeDocStore()
	svc, _ := newTestAdminService(t, newFakeUserStore(), docs)

	for _, status := range []domain.DocumentStatus{
		domain.DocumentStatusProcessing,
		domain.DocumentStatusCompleted,
		domain.DocumentStatusCompleted,
		domain.DocumentStatusFailed,
	} {
		docs.seed(&domain.Document{UserID: 1, Status: status})
	}

	stats, err := svc.DocumentStats(context.Background())
	if err != nil {
		t.Fatalf("DocumentStats: %v", err)
	}
	if stats.Processing != 1 || stats.Completed != 2 || stats.Failed != 1 || stats.Total != 4 {
		t.Errorf("stats = %+v, want 1/2/1 total 4", stats)
	}
}
