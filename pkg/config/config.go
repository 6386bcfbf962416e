// Package config loads pdfsearch settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration.
type Config struct {
	QdrantAddr       string
	Collection       string
	CollectionPolicy string // create-if-absent | recreate
	UpsertBatchSize  int

	ClipURL   string
	ClipModel string
	ClipRPS   float64

	PDFDir     string
	ImageDir   string
	DPI        int
	ImagePurge string // never | before-run

	IndexBatchSize int

	NATSURL   string
	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	Port        string
	CORSOrigin  string
	MetricsPort int
	LogLevel    slog.Level
}

// Load reads .env from the working directory when present, then the
// environment. Unset keys take their defaults; malformed values are errors.
func Load() (Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit .env paths. Missing files are skipped and
// variables already set in the environment win.
func LoadFiles(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %s: %w", f, err)
		}
	}

	var errs []error
	cfg := Config{
		QdrantAddr:       envOr("QDRANT_ADDR", "localhost:6334"),
		Collection:       envOr("QDRANT_COLLECTION", "pdf-search"),
		CollectionPolicy: envOr("PDFSEARCH_COLLECTION_POLICY", "create-if-absent"),
		UpsertBatchSize:  intOr("UPSERT_BATCH_SIZE", 16, &errs),

		ClipURL:   envOr("CLIP_URL", "http://localhost:8000"),
		ClipModel: envOr("CLIP_MODEL", "openai/clip-vit-base-patch32"),
		ClipRPS:   floatOr("CLIP_RPS", 20, &errs),

		PDFDir:     envOr("PDF_DIR", "pdfs"),
		ImageDir:   envOr("IMAGE_DIR", "images"),
		DPI:        intOr("PDF_DPI", 200, &errs),
		ImagePurge: envOr("PDFSEARCH_IMAGE_PURGE", "never"),

		IndexBatchSize: intOr("INDEX_BATCH_SIZE", 5, &errs),

		NATSURL:   envOr("NATS_URL", "nats://localhost:4222"),
		Neo4jURL:  os.Getenv("NEO4J_URL"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		Port:        envOr("PORT", "8080"),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
		MetricsPort: intOr("METRICS_PORT", 9091, &errs),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("PDFSEARCH_LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("PDFSEARCH_LOG_LEVEL: %w", err))
	}
	if cfg.DPI <= 0 {
		errs = append(errs, fmt.Errorf("PDF_DPI must be positive, got %d", cfg.DPI))
	}
	if cfg.IndexBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("INDEX_BATCH_SIZE must be positive, got %d", cfg.IndexBatchSize))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int, errs *[]error) int {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func floatOr(key string, fallback float64, errs *[]error) float64 {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}
