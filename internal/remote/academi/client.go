// Package academi implements the remote.Dialer contract against the academi.cx
// website. The site offers no API, so the session drives the same HTML
// endpoints a browser would: the login form, the multipart upload form, and
// the dashboard table that links to finished similarity reports. Selectors and
// markup assumptions here are volatile by nature and kept in one place.
package academi

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/potplag/potplag/internal/remote"
)

// Config holds connection settings for academi.cx.
type Config struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// Dialer opens authenticated sessions to academi.cx.
type Dialer struct {
	cfg *Config
}

// NewDialer creates a new academi.cx dialer.
// Parameters:
//   - cfg: connection settings including credentials.
// Returns:
//   - *Dialer: dialer instance.
func NewDialer(cfg *Config) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial opens a new session. Credentials are a hard precondition; the session
// is not logged in yet.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - remote.Session: unauthenticated session ready for Login.
//   - error: remote.ErrNoCredentials when credentials are missing.
func (d *Dialer) Dial(ctx context.Context) (remote.Session, error) {
	if d.cfg.Email == "" || d.cfg.Password == "" {
		return nil, remote.ErrNoCredentials
	}

	timeout := d.cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	baseURL := strings.TrimSuffix(d.cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://academi.cx"
	}

	// resty keeps a cookie jar per client, which carries the login session
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	return &session{client: client, cfg: d.cfg, baseURL: baseURL}, nil
}

type session struct {
	client   *resty.Client
	cfg      *Config
	baseURL  string
	loggedIn bool
}

// Login posts the login form and verifies the dashboard is reachable.
// Idempotent when the session is already authenticated.
func (s *session) Login(ctx context.Context) error {
	if s.loggedIn {
		return nil
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"email":    s.cfg.Email,
			"password": s.cfg.Password,
		}).
		Post("/login/")
	if err != nil {
		return fmt.Errorf("failed to post login form: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 400 {
		return fmt.Errorf("login returned HTTP %d", resp.StatusCode())
	}

	// The site redirects to /dashboard on success and re-renders the login
	// form with an error otherwise.
	finalURL := resp.RawResponse.Request.URL.Path
	if !strings.Contains(finalURL, "dashboard") && !strings.Contains(resp.String(), "dashboard") {
		return fmt.Errorf("login rejected for %s", s.cfg.Email)
	}

	s.loggedIn = true
	return nil
}

// Submit uploads a file under a collision-free name and returns that name as
// the correlation handle. The remote side needs time before the document shows
// up in the dashboard; the caller owns that wait.
func (s *session) Submit(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file for submission: %w", err)
	}
	defer f.Close()

	uploadName := uniqueUploadName(filepath.Base(filePath))

	resp, err := s.client.R().
		SetContext(ctx).
		SetFileReader("file", uploadName, f).
		Post("/upload")
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 400 {
		return "", fmt.Errorf("upload returned HTTP %d", resp.StatusCode())
	}

	return uploadName, nil
}

// reportLinkRe matches the similarity report download link inside a dashboard row.
var reportLinkRe = regexp.MustCompile(`href="([^"]*(?:similarity|report)[^"]*\.pdf[^"]*)"`)

// percentRe matches the first percentage value in a dashboard row.
var percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// wordCountRe matches a word-count cell in a dashboard row.
var wordCountRe = regexp.MustCompile(`(\d+)\s*words`)

// FetchResult scans the dashboard for the row matching the handle and, when a
// report link is present, downloads the artifact. Returns (nil, nil) while the
// remote side is still processing.
func (s *session) FetchResult(ctx context.Context, handle string) (*remote.Report, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		Get("/dashboard")
	if err != nil {
		return nil, fmt.Errorf("failed to load dashboard: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("dashboard returned HTTP %d", resp.StatusCode())
	}

	row, ok := findRow(resp.String(), handle)
	if !ok {
		// Document not listed yet
		return nil, nil
	}

	link := reportLinkRe.FindStringSubmatch(row)
	if link == nil {
		// Row exists but the report is not ready
		return nil, nil
	}

	reportURL := link[1]
	if !strings.HasPrefix(reportURL, "http") {
		reportURL = s.baseURL + "/" + strings.TrimPrefix(reportURL, "/")
	}

	dl, err := s.client.R().
		SetContext(ctx).
		Get(reportURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download report: %w", err)
	}
	if dl.StatusCode() < 200 || dl.StatusCode() >= 300 {
		return nil, fmt.Errorf("report download returned HTTP %d", dl.StatusCode())
	}

	report := &remote.Report{
		DocumentName: handle,
		ProcessedAt:  time.Now().UTC(),
		ReportName:   reportName(handle),
		Data:         dl.Body(),
	}

	// Metrics are best-effort; a markup change degrades them to zero
	if m := percentRe.FindStringSubmatch(row); m != nil {
		report.SimilarityScore, _ = strconv.ParseFloat(m[1], 64)
	}
	if ms := percentRe.FindAllStringSubmatch(row, 2); len(ms) > 1 {
		report.AIPercentage, _ = strconv.ParseFloat(ms[1][1], 64)
	}
	if m := wordCountRe.FindStringSubmatch(row); m != nil {
		report.WordCount, _ = strconv.Atoi(m[1])
	}

	return report, nil
}

// Close logs out and releases the session. Failures are swallowed; closing
// must never fail the overall operation.
func (s *session) Close() {
	if !s.loggedIn {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = s.client.R().SetContext(ctx).Get("/logout")
	s.loggedIn = false
}

// findRow returns the <tr> element containing the handle, if any.
func findRow(html, handle string) (string, bool) {
	idx := strings.Index(html, handle)
	if idx < 0 {
		return "", false
	}
	start := strings.LastIndex(html[:idx], "<tr")
	if start < 0 {
		start = 0
	}
	end := strings.Index(html[idx:], "</tr>")
	if end < 0 {
		end = len(html) - idx
	}
	return html[start : idx+end], true
}

// uniqueUploadName derives a collision-free remote name from the original:
// base_YYYYMMDD_HHMMSS_xxxxxxxx.ext. Duplicate names would make dashboard
// correlation ambiguous.
func uniqueUploadName(original string) string {
	ext := filepath.Ext(original)
	base := strings.TrimSuffix(original, ext)
	timestamp := time.Now().UTC().Format("20060102_150405")
	shortID := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%s_%s%s", base, timestamp, shortID, ext)
}

// reportName derives the stored artifact name from the correlation handle.
func reportName(handle string) string {
	base := strings.TrimSuffix(handle, filepath.Ext(handle))
	return url.PathEscape(base) + "_similarity_report.pdf"
}
