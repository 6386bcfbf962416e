package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValidateLimit checks a result limit. Zero is allowed and means no results.
func ValidateLimit(limit int) error {
	if limit < 0 {
		return NewValidationError("limit", strconv.Itoa(limit), ErrInvalidLimit)
	}
	return nil
}

// ValidateQuery checks a text query.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return NewValidationError("query", query, ErrEmptyQuery)
	}
	return nil
}

// ValidateField checks a named vector field.
func ValidateField(f Field) error {
	if !f.Valid() {
		return NewValidationError("field", string(f), ErrInvalidField)
	}
	return nil
}

// ValidateImagePath checks that a query image exists and is a regular file.
func ValidateImagePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return NewValidationError("image_path", path, ErrImageUnreadable)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return NewValidationError("image_path", path, ErrImageUnreadable)
	}
	return nil
}

// Validate checks a payload before it crosses into the vector index.
func (p Payload) Validate() error {
	if p.PDFID == "" {
		return NewValidationError("pdf_id", p.PDFID, ErrInvalidPayload)
	}
	if p.PageNum < 1 {
		return NewValidationError("page_num", strconv.Itoa(p.PageNum), ErrInvalidPayload)
	}
	if n := utf8.RuneCountInString(p.Text); n > MaxPreviewChars {
		return NewValidationError("text", fmt.Sprintf("%d chars", n), ErrInvalidPayload)
	}
	return nil
}

// Validate checks that a point carries an id, a valid payload and both
// vectors at the expected dimensionalities.
func (p IndexedPoint) Validate(dimText, dimImage int) error {
	if p.ID == "" {
		return NewValidationError("id", p.ID, ErrInvalidPayload)
	}
	if err := p.Payload.Validate(); err != nil {
		return err
	}
	if len(p.TextVector) != dimText {
		return NewValidationError(string(FieldText), fmt.Sprintf("dim %d, want %d", len(p.TextVector), dimText), ErrDimension)
	}
	if len(p.ImageVector) != dimImage {
		return NewValidationError(string(FieldImage), fmt.Sprintf("dim %d, want %d", len(p.ImageVector), dimImage), ErrDimension)
	}
	return nil
}
