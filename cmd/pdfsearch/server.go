package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/pdfsearch/engine/catalog"
	"github.com/WessleyAI/pdfsearch/engine/domain"
	"github.com/WessleyAI/pdfsearch/pkg/mid"
)

// maxUpload is the request body limit for uploads and image queries.
const maxUpload = 16 << 20

// service is the part of search.Engine the HTTP handlers use.
type service interface {
	IndexPDF(ctx context.Context, pdfPath string) (domain.IndexReport, error)
	SearchByTextField(ctx context.Context, query string, field domain.Field, limit int) ([]domain.Result, error)
	SearchByImage(ctx context.Context, imagePath string, limit int) ([]domain.Result, error)
	DeletePDF(ctx context.Context, pdfID string) error
	Count(ctx context.Context) (uint64, error)
}

// saver stores uploaded PDFs. *document.Processor satisfies it.
type saver interface {
	SavePDF(r io.Reader, filename string) (string, error)
}

// lister lists catalog entries. Nil when no catalog is configured.
type lister interface {
	List(ctx context.Context, offset, limit int) ([]catalog.Entry, error)
}

type server struct {
	svc      service
	pdfs     saver
	catalog  lister
	tmpDir   string // query images
	imageDir string
	log      *slog.Logger
}

func (s *server) routes(corsOrigin string, timeout time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /search-image", s.handleSearchImage)
	mux.HandleFunc("GET /images/{name}", s.handleImage)
	mux.HandleFunc("GET /pdfs", s.handleListPDFs)
	mux.HandleFunc("DELETE /pdfs/{id}", s.handleDeletePDF)

	return mid.Chain(mux,
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.OTel("pdfsearch"),
		mid.CORS(corsOrigin),
		mid.MaxBody(maxUpload),
		mid.Timeout(timeout),
	)
}

// --- Responses ---

type resultJSON struct {
	domain.Result
	ImageURL string `json:"image_url"`
}

type searchResponse struct {
	Success bool         `json:"success"`
	Results []resultJSON `json:"results"`
}

type uploadResponse struct {
	Success       bool                 `json:"success"`
	Message       string               `json:"message"`
	PDFID         string               `json:"pdf_id"`
	NumPages      int                  `json:"num_pages"`
	PagesInSource int                  `json:"pages_in_source"`
	Dropped       []domain.PageWarning `json:"dropped,omitempty"`
	FailedPoints  []string             `json:"failed_points,omitempty"`
}

// uploadError is the body of a failed upload that got far enough to be
// assigned a pdf_id. NumPages counts the pages already committed under it.
type uploadError struct {
	Error        string   `json:"error"`
	PDFID        string   `json:"pdf_id"`
	NumPages     int      `json:"num_pages"`
	FailedPoints []string `json:"failed_points,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var (
		ve *domain.ValidationError
		pe *domain.ProcessingError
		ce *domain.CollectionStateError
		ee *domain.EmbeddingError
		me *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &me):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &pe):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ce):
		return http.StatusConflict
	case domain.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &ee):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "op", op, "err", err)
	}
	writeError(w, status, err.Error())
}

func withURLs(results []domain.Result) []resultJSON {
	out := make([]resultJSON, len(results))
	for i, r := range results {
		out[i] = resultJSON{Result: r, ImageURL: "/images/" + filepath.Base(r.ImagePath)}
	}
	return out
}

// --- Handlers ---

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "points": n})
}

// formFile opens the multipart "file" field, writing the error response
// itself when the field is missing or the body is too large.
func formFile(w http.ResponseWriter, r *http.Request) (multipart.File, string, bool) {
	file, header, err := r.FormFile("file")
	if err != nil {
		var me *http.MaxBytesError
		if errors.As(err, &me) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		} else {
			writeError(w, http.StatusBadRequest, "no file part")
		}
		return nil, "", false
	}
	return file, filepath.Base(header.Filename), true
}

// saveTemp copies src to a new file in dir and returns its path.
func saveTemp(dir, name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst, err := os.CreateTemp(dir, "query-*-"+name)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, name, ok := formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()
	if name == "" || name == "." || !strings.EqualFold(filepath.Ext(name), ".pdf") {
		writeError(w, http.StatusBadRequest, "invalid file format, please upload a PDF")
		return
	}
	path, err := s.pdfs.SavePDF(file, uuid.NewString()+"_"+name)
	if err != nil {
		s.fail(w, "upload", err)
		return
	}
	defer os.Remove(path)

	rep, err := s.svc.IndexPDF(r.Context(), path)
	if err != nil {
		if rep.PDFID == "" {
			s.fail(w, "upload", err)
			return
		}
		// Batches committed before the failure stay in the index.
		status := statusFor(err)
		s.log.Error("request failed", "op", "upload", "pdf_id", rep.PDFID, "pages_indexed", rep.PagesIndexed, "err", err)
		writeJSON(w, status, uploadError{
			Error:        err.Error(),
			PDFID:        rep.PDFID,
			NumPages:     rep.PagesIndexed,
			FailedPoints: rep.FailedPoints,
		})
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:       true,
		Message:       "PDF uploaded and indexed successfully.",
		PDFID:         rep.PDFID,
		NumPages:      rep.PagesIndexed,
		PagesInSource: rep.PagesInSource,
		Dropped:       rep.Dropped,
		FailedPoints:  rep.FailedPoints,
	})
}

type searchRequest struct {
	Query     string `json:"query"`
	QueryType string `json:"query_type"`
	Field     string `json:"field"`
	Limit     *int   `json:"limit"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.QueryType {
	case "", "text":
	case "image":
		writeError(w, http.StatusBadRequest, "image search is served by /search-image")
		return
	default:
		writeError(w, http.StatusBadRequest, "invalid query type")
		return
	}
	limit := defaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	field := domain.FieldText
	if req.Field != "" {
		field = domain.Field(req.Field)
	}

	results, err := s.svc.SearchByTextField(r.Context(), req.Query, field, limit)
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Success: true, Results: withURLs(results)})
}

func (s *server) handleSearchImage(w http.ResponseWriter, r *http.Request) {
	file, name, ok := formFile(w, r)
	if !ok {
		return
	}
	path, err := saveTemp(s.tmpDir, name, file)
	file.Close()
	if err != nil {
		s.fail(w, "search-image", err)
		return
	}
	defer os.Remove(path)

	limit := defaultLimit
	if v := r.FormValue("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	results, err := s.svc.SearchByImage(r.Context(), path, limit)
	if err != nil {
		s.fail(w, "search-image", err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Success: true, Results: withURLs(results)})
}

// handleImage serves rendered pages from the image directory only.
func (s *server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	path := filepath.Join(s.imageDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *server) handleListPDFs(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "catalog not configured")
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.catalog.List(r.Context(), offset, limit)
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pdfs": entries})
}

func (s *server) handleDeletePDF(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePDF(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
