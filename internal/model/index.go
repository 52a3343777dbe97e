package model

// IndexMethod names the strategy that produced a document index.
type IndexMethod string

const (
	IndexTOCWithPositions IndexMethod = "toc_text_with_positions"
	IndexTOCTextFallback  IndexMethod = "toc_text_fallback"
	IndexOutline          IndexMethod = "outline"
	IndexNoneFound        IndexMethod = "none_found"
)

// IndexItem is one table-of-contents entry.
type IndexItem struct {
	Level      int    `json:"level"`
	Title      string `json:"title"`
	PageLabel  string `json:"page_label"`
	PageNumber int    `json:"page_number"` // printed page, 1-based
	SourcePage int    `json:"source_page"` // 0-based page the entry was read from
}

// IndexResult is the output of index extraction.
type IndexResult struct {
	SourcePDF string      `json:"source_pdf"`
	Method    IndexMethod `json:"extraction_method"`
	PageCount int         `json:"page_count,omitempty"`
	Items     []IndexItem `json:"items"`
}
