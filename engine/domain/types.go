// Package domain defines the page, point, and result records shared by the
// indexing and retrieval pipeline, plus the typed errors every stage returns.
package domain

// Field identifies one of the two named vector fields.
type Field string

// Named vector fields. Every point in a collection carries both.
const (
	FieldText  Field = "text"
	FieldImage Field = "image"
)

// MaxPreviewChars is the number of characters of page text kept in a payload.
const MaxPreviewChars = 1000

// Valid reports whether f names a vector field the collection defines.
func (f Field) Valid() bool {
	return f == FieldText || f == FieldImage
}

// PageRecord is one PDF page after the text and render passes were zipped.
type PageRecord struct {
	PageNum   int    `json:"page_num"`
	Text      string `json:"text"`
	ImagePath string `json:"image_path"`
}

// PageWarning records a page excluded from a processing or indexing run.
type PageWarning struct {
	Position  int    `json:"position"`
	TextPage  int    `json:"text_page"`
	ImagePage int    `json:"image_page"`
	Reason    string `json:"reason"`
}

// Payload is the fixed-shape record stored alongside each point.
type Payload struct {
	PDFID     string `json:"pdf_id"`
	PageNum   int    `json:"page_num"`
	Text      string `json:"text"`
	ImagePath string `json:"image_path"`
}

// IndexedPoint is one page as written to the vector index.
type IndexedPoint struct {
	ID          string
	TextVector  []float32
	ImageVector []float32
	Payload     Payload
}

// SearchHit is a raw similarity match returned by the index.
type SearchHit struct {
	ID      string  `json:"id"`
	Score   float32 `json:"score"`
	Payload Payload `json:"payload"`
}

// Result is a search match in the shape handed to callers.
type Result struct {
	PDFID       string  `json:"pdf_id"`
	PageNum     int     `json:"page_num"`
	TextPreview string  `json:"text_preview"`
	ImagePath   string  `json:"image_path"`
	Score       float32 `json:"score"`
}

// ResultFromHit converts an index hit into a caller-facing result.
func ResultFromHit(h SearchHit) Result {
	return Result{
		PDFID:       h.Payload.PDFID,
		PageNum:     h.Payload.PageNum,
		TextPreview: h.Payload.Text,
		ImagePath:   h.Payload.ImagePath,
		Score:       h.Score,
	}
}

// IndexReport summarises one IndexPDF call.
type IndexReport struct {
	PDFID         string        `json:"pdf_id"`
	PagesInSource int           `json:"pages_in_source"`
	PagesIndexed  int           `json:"page_count"`
	Dropped       []PageWarning `json:"dropped,omitempty"`
	FailedPoints  []string      `json:"failed_points,omitempty"`
}

// Preview truncates text to the first MaxPreviewChars characters. Text at or
// under the limit is returned unchanged.
func Preview(text string) string {
	n := 0
	for i := range text {
		if n == MaxPreviewChars {
			return text[:i]
		}
		n++
	}
	return text
}
