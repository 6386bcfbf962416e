package domain

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateLimit(t *testing.T) {
	for _, n := range []int{0, 1, 1000} {
		if err := ValidateLimit(n); err != nil {
			t.Errorf("limit %d: unexpected error: %v", n, err)
		}
	}
	err := ValidateLimit(-1)
	if !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "limit" {
		t.Fatalf("expected ValidationError on limit, got %v", err)
	}
}

func TestValidateQuery(t *testing.T) {
	if err := ValidateQuery("wiring diagram"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, q := range []string{"", "   ", "\n\t"} {
		if err := ValidateQuery(q); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("query %q: expected ErrEmptyQuery, got %v", q, err)
		}
	}
}

func TestValidateField(t *testing.T) {
	if err := ValidateField(FieldText); err != nil {
		t.Fatal(err)
	}
	if err := ValidateField(FieldImage); err != nil {
		t.Fatal(err)
	}
	if err := ValidateField("audio"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestValidateImagePath(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "q.png")
	if err := os.WriteFile(img, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ValidateImagePath(img); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range []string{"", filepath.Join(dir, "missing.png"), dir} {
		if err := ValidateImagePath(p); !errors.Is(err, ErrImageUnreadable) {
			t.Errorf("path %q: expected ErrImageUnreadable, got %v", p, err)
		}
	}
}

func TestPayloadValidate(t *testing.T) {
	ok := Payload{PDFID: "p1", PageNum: 1, Text: "", ImagePath: "a.png"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("empty text must be valid: %v", err)
	}

	bad := []Payload{
		{PDFID: "", PageNum: 1},
		{PDFID: "p1", PageNum: 0},
		{PDFID: "p1", PageNum: 1, Text: strings.Repeat("a", MaxPreviewChars+1)},
	}
	for i, p := range bad {
		if err := p.Validate(); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("case %d: expected ErrInvalidPayload, got %v", i, err)
		}
	}
}

func TestIndexedPointValidate(t *testing.T) {
	p := IndexedPoint{
		ID:          "id1",
		TextVector:  []float32{1, 0},
		ImageVector: []float32{0, 1, 0},
		Payload:     Payload{PDFID: "p1", PageNum: 2},
	}
	if err := p.Validate(2, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Validate(3, 3); !errors.Is(err, ErrDimension) {
		t.Fatalf("expected text dimension error, got %v", err)
	}
	if err := p.Validate(2, 2); !errors.Is(err, ErrDimension) {
		t.Fatalf("expected image dimension error, got %v", err)
	}

	p.ImageVector = nil
	if err := p.Validate(2, 3); err == nil {
		t.Fatal("a point without an image vector must be rejected")
	}

	p.ID = ""
	if err := p.Validate(2, 3); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected missing id error, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	short := "page one text"
	if got := Preview(short); got != short {
		t.Fatalf("short text changed: %q", got)
	}

	exact := strings.Repeat("b", MaxPreviewChars)
	if got := Preview(exact); got != exact {
		t.Fatal("text at the limit must be unchanged")
	}

	long := strings.Repeat("c", MaxPreviewChars+250)
	if got := Preview(long); len(got) != MaxPreviewChars {
		t.Fatalf("expected %d chars, got %d", MaxPreviewChars, len(got))
	}

	// Multibyte runes are counted as characters, never split.
	wide := strings.Repeat("é", MaxPreviewChars+1)
	got := Preview(wide)
	if n := len([]rune(got)); n != MaxPreviewChars {
		t.Fatalf("expected %d runes, got %d", MaxPreviewChars, n)
	}
	if !strings.HasPrefix(wide, got) {
		t.Fatal("preview must be a prefix of the source text")
	}
}

func TestResultFromHit(t *testing.T) {
	h := SearchHit{ID: "x", Score: 0.5, Payload: Payload{PDFID: "p", PageNum: 3, Text: "t", ImagePath: "i.png"}}
	r := ResultFromHit(h)
	if r.PDFID != "p" || r.PageNum != 3 || r.TextPreview != "t" || r.ImagePath != "i.png" || r.Score != 0.5 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	errs := []error{
		&EmbeddingError{Modality: "image", Index: 2, Err: cause},
		&EmbeddingError{Modality: "text", Index: -1, Err: cause},
		&ProcessingError{Path: "a.pdf", Op: "open", Err: cause},
		&IndexUnavailableError{Op: "search", Err: cause},
	}
	for _, err := range errs {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to cause", err)
		}
		if err.Error() == "" {
			t.Errorf("%T has empty message", err)
		}
	}
	if !strings.Contains(errs[0].Error(), "[2]") {
		t.Errorf("batch index missing from message: %s", errs[0])
	}
	if !IsUnavailable(errs[3]) || IsUnavailable(errs[2]) {
		t.Error("IsUnavailable misclassified")
	}
	cs := &CollectionStateError{Collection: "c", Op: "search", Reason: "not ready"}
	if !strings.Contains(cs.Error(), "not ready") {
		t.Errorf("unexpected message: %s", cs)
	}
}
