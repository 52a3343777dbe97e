package model

import "time"

// SourceKind identifies the format of an ingested source file.
type SourceKind string

const (
	SourcePDF  SourceKind = "pdf"
	SourceDOCX SourceKind = "docx"
	SourceXLSX SourceKind = "xlsx"
	SourceTXT  SourceKind = "txt"
)

// Document is an ingested source file. It is immutable once created.
type Document struct {
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	Hash           string     `json:"hash"` // SHA-256 over preprocessed text
	Size           int64      `json:"size"`
	CompressedSize int64      `json:"compressed_size,omitempty"`
	Kind           SourceKind `json:"kind"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CompressionRatio returns compressed/original size, or 0 when the source
// was not compressed.
func (d Document) CompressionRatio() float64 {
	if d.CompressedSize == 0 || d.Size == 0 {
		return 0
	}
	return float64(d.CompressedSize) / float64(d.Size)
}
