// Package remote defines the boundary to the external plagiarism-checking
// service. All retry and backoff policy lives with the caller; implementations
// perform a single attempt per call.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrNoCredentials indicates the remote service credentials are not configured.
var ErrNoCredentials = errors.New("remote service credentials not configured")

// Report is the adapter's representation of a completed check. ReportName
// references the downloaded artifact; the numeric fields are best-effort and
// zero when the remote page could not be parsed.
type Report struct {
	DocumentName    string
	ProcessedAt     time.Time
	ReportName      string
	Data            []byte
	SimilarityScore float64
	AIPercentage    float64
	WordCount       int
}

// Session is an authenticated connection to the remote checking service.
// One orchestrator run exclusively owns a session and must Close it on every
// exit path.
type Session interface {
	// Login establishes the session; idempotent when already logged in.
	Login(ctx context.Context) error

	// Submit transfers a file and returns an opaque correlation handle used to
	// re-identify the document later. The handle may be empty even when the
	// transfer succeeded.
	Submit(ctx context.Context, filePath string) (string, error)

	// FetchResult looks up a previously submitted file by handle. It returns
	// (nil, nil) while the result is still pending.
	FetchResult(ctx context.Context, handle string) (*Report, error)

	// Close releases session resources. Best-effort; never affects the outcome
	// of the run.
	Close()
}

// Dialer opens sessions to the remote service.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
