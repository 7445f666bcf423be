package storage

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	ctx := context.Background()

	content := "%PDF-1.4 similarity report"
	if err := store.Upload(ctx, "essay_similarity_report.pdf", strings.NewReader(content), int64(len(content)), "application/pdf"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	exists, err := store.Exists(ctx, "essay_similarity_report.pdf")
	if err != nil || !exists {
		t.Fatalf("Exists = (%t, %v), want (true, nil)", exists, err)
	}

	rc, err := store.Download(ctx, "essay_similarity_report.pdf")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != content {
		t.Errorf("downloaded %q, want %q", data, content)
	}

	if err := store.Delete(ctx, "essay_similarity_report.pdf"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if exists, _ := store.Exists(ctx, "essay_similarity_report.pdf"); exists {
		t.Error("artifact still exists after delete")
	}

	// Deleting a missing artifact is not an error
	if err := store.Delete(ctx, "essay_similarity_report.pdf"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"../escape.pdf", "a/../../escape.pdf"} {
		if err := store.Upload(ctx, key, strings.NewReader("x"), 1, "application/pdf"); err == nil {
			t.Errorf("Upload(%q) succeeded, want traversal rejection", key)
		}
		if _, err := store.Download(ctx, key); err == nil {
			t.Errorf("Download(%q) succeeded, want traversal rejection", key)
		}
	}
}

func TestDetectStorageType(t *testing.T) {
	tests := []struct {
		endpoint string
		want     StorageType
	}{
		{"", StorageTypeLocal},
		{"acme.r2.cloudflarestorage.com", StorageTypeR2},
		{"s3.us-east-1.amazonaws.com", StorageTypeS3},
		{"minio.internal:9000", StorageTypeS3Compatible},
	}

	for _, tt := range tests {
		if got := detectStorageType(&Config{Endpoint: tt.endpoint}); got != tt.want {
			t.Errorf("detectStorageType(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://minio.internal:9000", "minio.internal:9000"},
		{"http://minio.internal:9000/bucket", "minio.internal:9000"},
		{"minio.internal:9000/", "minio.internal:9000"},
	}

	for _, tt := range tests {
		if got := normalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
