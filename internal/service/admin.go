package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/potplag/potplag/internal/domain"
	"github.com/potplag/potplag/internal/logger"
	"github.com/potplag/potplag/internal/storage"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user not found")

// AdminDocumentStore extends DocumentStore with cross-user listing.
type AdminDocumentStore interface {
	DocumentStore
	ListAll(ctx context.Context, limit, offset int) ([]domain.Document, error)
}

// AdminUserStore extends UserStore with cross-user listing and removal.
type AdminUserStore interface {
	UserStore
	ListAll(ctx context.Context, limit, offset int) ([]domain.User, error)
	Delete(ctx context.Context, id uint) error
}

// Stats summarizes document counts per lifecycle state.
type Stats struct {
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// AdminService exposes operator views over users and documents.
type AdminService struct {
	users   AdminUserStore
	docs    AdminDocumentStore
	reports storage.ObjectStorage
	logger  *logger.Logger
}

// NewAdminService creates a new admin service.
// Parameters:
//   - users: user store with listing support.
//   - docs: document store with listing support.
//   - reports: artifact store, used to clean up reports on user deletion.
//   - log: logger instance.
// Returns:
//   - *AdminService: initialized service.
func NewAdminService(users AdminUserStore, docs AdminDocumentStore, reports storage.ObjectStorage, log *logger.Logger) *AdminService {
	return &AdminService{users: users, docs: docs, reports: reports, logger: log}
}

// ListUsers returns all user accounts, newest first.
func (s *AdminService) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	return s.users.ListAll(ctx, limit, offset)
}

// SetUserActive enables or disables a user account.
// Parameters:
//   - ctx: context for cancellation.
//   - id: user id.
//   - active: desired account state.
// Returns:
//   - error: ErrUserNotFound when no such user exists.
func (s *AdminService) SetUserActive(ctx context.Context, id uint, active bool) error {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	user.IsActive = active
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	logger.CtxInfo(ctx, "User %d active=%t", id, active)
	return nil
}

// SetUserAdmin grants or revokes the admin role.
// Parameters:
//   - ctx: context for cancellation.
//   - id: user id.
//   - admin: desired role state.
// Returns:
//   - error: ErrUserNotFound when no such user exists.
func (s *AdminService) SetUserAdmin(ctx context.Context, id uint, admin bool) error {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	user.IsAdmin = admin
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	logger.CtxInfo(ctx, "User %d admin=%t", id, admin)
	return nil
}

// DeleteUser removes a user account together with all of their documents,
// uploaded files, and stored report artifacts.
// Parameters:
//   - ctx: context for cancellation.
//   - id: user id.
// Returns:
//   - error: ErrUserNotFound when no such user exists.
func (s *AdminService) DeleteUser(ctx context.Context, id uint) error {
	if _, err := s.users.GetByID(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	// Records are removed as we go, so each pass re-queries from the start
	const pageSize = 100
	for {
		docs, err := s.docs.ListByUser(ctx, id, pageSize, 0)
		if err != nil {
			return fmt.Errorf("failed to list user documents: %w", err)
		}
		if len(docs) == 0 {
			break
		}
		for i := range docs {
			doc := docs[i]
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
			if err := s.docs.Delete(ctx, doc.ID); err != nil {
				return fmt.Errorf("failed to delete document %d: %w", doc.ID, err)
			}
		}
	}

	if err := s.users.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	logger.CtxInfo(ctx, "User %d deleted with all documents", id)
	return nil
}

// ListDocuments returns documents across all users, optionally filtered by status.
func (s *AdminService) ListDocuments(ctx context.Context, status domain.DocumentStatus, limit, offset int) ([]domain.Document, error) {
	if status == "" {
		return s.docs.ListAll(ctx, limit, offset)
	}
	return s.docs.ListByStatus(ctx, status, limit, offset)
}

// DocumentStats returns document counts per lifecycle state.
func (s *AdminService) DocumentStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for _, pair := range []struct {
		status domain.DocumentStatus
		dest   *int64
	}{
		{domain.DocumentStatusProcessing, &stats.Processing},
		{domain.DocumentStatusCompleted, &stats.Completed},
		{domain.DocumentStatusFailed, &stats.Failed},
	} {
		count, err := s.docs.CountByStatus(ctx, pair.status)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s documents: %w", pair.status, err)
		}
		*pair.dest = count
	}
	stats.Total = stats.Processing + stats.Completed + stats.Failed
	return stats, nil
}
