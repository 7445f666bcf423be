package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("database driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Upload.MaxSizeMB != 16 {
		t.Errorf("upload max size = %d MB, want 16", cfg.Upload.MaxSizeMB)
	}
	if len(cfg.Upload.AllowedExtensions) != 4 {
		t.Errorf("allowed extensions = %v, want txt/pdf/doc/docx", cfg.Upload.AllowedExtensions)
	}
	if cfg.Processing.MaxAttempts != 40 {
		t.Errorf("max attempts = %d, want 40", cfg.Processing.MaxAttempts)
	}
	if cfg.Processing.PollInterval != 15*time.Second {
		t.Errorf("poll interval = %s, want 15s", cfg.Processing.PollInterval)
	}
	if cfg.Processing.InitialDelay != 50*time.Second {
		t.Errorf("initial delay = %s, want 50s", cfg.Processing.InitialDelay)
	}
	if cfg.Academi.BaseURL != "https://academi.cx" {
		t.Errorf("academi base url = %q", cfg.Academi.BaseURL)
	}
	if cfg.Reports.Storage != "local" {
		t.Errorf("reports storage = %q, want local", cfg.Reports.Storage)
	}
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver:   "postgres",
		Host:     "db.internal",
		Port:     5432,
		User:     "potplag",
		Password: "hunter2",
		Name:     "potplag",
		SSLMode:  "disable",
	}
	want := "host=db.internal port=5432 user=potplag password=hunter2 dbname=potplag sslmode=disable"
	if got := pg.DSN(); got != want {
		t.Errorf("postgres DSN = %q, want %q", got, want)
	}

	sq := DatabaseConfig{Driver: "sqlite", Path: "./data/app.db"}
	if got := sq.DSN(); got != "./data/app.db" {
		t.Errorf("sqlite DSN = %q, want the file path", got)
	}
}

func TestUploadMaxBytes(t *testing.T) {
	cfg := UploadConfig{MaxSizeMB: 16}
	if got := cfg.MaxBytes(); got != 16*1024*1024 {
		t.Errorf("MaxBytes = %d, want %d", got, 16*1024*1024)
	}
}
