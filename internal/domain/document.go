package domain

import "time"

// DocumentStatus represents the processing status of an uploaded document.
// Values include DocumentStatusProcessing, DocumentStatusCompleted, and DocumentStatusFailed.
type DocumentStatus string

const (
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document represents one uploaded file and its plagiarism-check lifecycle record.
// Fields cover local storage, the remote submission state, and report results.
type Document struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UserID           uint           `gorm:"not null;index:idx_documents_user" json:"user_id"`
	Filename         string         `gorm:"type:varchar(255);not null" json:"filename"`
	OriginalFilename string         `gorm:"type:varchar(255);not null" json:"original_filename"`
	Path             string         `gorm:"type:varchar(500);not null" json:"-"`
	Status           DocumentStatus `gorm:"type:varchar(20);index:idx_documents_status;default:processing" json:"status"`
	UploadedAt       time.Time      `json:"uploaded_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`

	// Remote submission tracking. AcademiUploadName is the correlation handle
	// returned by the remote side; it may be empty even after a successful upload.
	AcademiUploaded   bool       `gorm:"default:false" json:"academi_uploaded"`
	AcademiUploadTime *time.Time `json:"academi_upload_time,omitempty"`
	AcademiUploadName string     `gorm:"type:varchar(255)" json:"academi_upload_name,omitempty"`

	// Report results. Scores are best-effort and default to zero.
	SimilarityScore float64 `gorm:"default:0" json:"similarity_score"`
	AIPercentage    float64 `gorm:"default:0" json:"ai_percentage"`
	WordCount       int     `gorm:"default:0" json:"word_count"`
	ReportPath      string  `gorm:"type:varchar(255)" json:"report_path,omitempty"`
	ErrorMessage    string  `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Document.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Document) TableName() string {
	return "documents"
}

// IsTerminal reports whether the document reached a terminal status.
func (d *Document) IsTerminal() bool {
	return d.Status == DocumentStatusCompleted || d.Status == DocumentStatusFailed
}
