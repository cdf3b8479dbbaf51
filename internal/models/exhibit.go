package models

import "time"

// Exhibit labels accepted by the upload form, in prompt order.
var ExhibitLabels = []string{"exhibit_a", "exhibit_b", "exhibit_c"}

// Exhibit represents one uploaded PDF.
type Exhibit struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	FileName   string    `json:"file_name"`
	StoredPath string    `json:"-"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// OutputKind identifies a generated document.
type OutputKind string

const (
	OutputMotion      OutputKind = "motion"
	OutputMemo        OutputKind = "memo"
	OutputDeclaration OutputKind = "declaration"
	OutputPacket      OutputKind = "packet"
)

// OutputFile is a generated, downloadable file.
type OutputFile struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	Kind       OutputKind `json:"kind"`
	FileName   string     `json:"file_name"`
	StoredPath string     `json:"-"`
	Size       int64      `json:"size"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Defendant holds the fields parsed out of Exhibit A.
type Defendant struct {
	Name       string `json:"name"`
	CaseNumber string `json:"case_number"`
	District   string `json:"district"`
}

// Unknown marks a field that could not be parsed.
const Unknown = "UNKNOWN"

// ExhibitText is the extracted text of one exhibit.
type ExhibitText struct {
	Label string
	Text  string
}

// CaseFile is everything the prompt is built from.
type CaseFile struct {
	Defendant Defendant
	Exhibits  []ExhibitText
}
