package model

// Section is a contiguous, inclusive range of 0-based PDF pages.
type Section struct {
	Title       string   `json:"title"`
	Level       int      `json:"level"`
	StartPage   int      `json:"start_page"`
	EndPage     int      `json:"end_page"`
	PrintedPage int      `json:"printed_page"`
	ParentPath  []string `json:"parent_path"`
	Folder      string   `json:"folder"`
}

// SectionContent is the body of a section's content.json.
type SectionContent struct {
	Section
	Text      string `json:"text"`
	CharCount int    `json:"char_count"`
	PDFFile   string `json:"pdf_file,omitempty"`
}

// Manifest enumerates the sections written by section extraction.
type Manifest struct {
	SourcePDF  string      `json:"source_pdf"`
	Method     IndexMethod `json:"extraction_method,omitempty"`
	PageCount  int         `json:"page_count"`
	PageOffset int         `json:"page_offset"`
	FullDoc    bool        `json:"full_document,omitempty"`
	Sections   []Section   `json:"sections"`
	Unresolved []string    `json:"unresolved_titles"`
}

