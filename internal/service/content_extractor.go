package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/pkg/extract"
	"github.com/noah-isme/gema-assessment-api/pkg/ocr"
	"github.com/noah-isme/gema-assessment-api/pkg/storage"
)

const (
	imageExtractionFailure = "Failed to extract text from image"
	documentPlaceholder    = "Document content extracted from %s. This is a placeholder for the actual document content that would be extracted using appropriate libraries."

	defaultMaxExtractionBytes = 25 << 20
)

var errNoOCREngine = errors.New("no ocr engine configured")

// ExtractionSource is a readable stored file.
type ExtractionSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Name() string
}

// StoredFile adapts a path in a storage.FileStore to an ExtractionSource.
type StoredFile struct {
	Store storage.FileStore
	Path  string
}

func (f StoredFile) Open(ctx context.Context) (io.ReadCloser, error) {
	return f.Store.Open(ctx, f.Path)
}

func (f StoredFile) Name() string {
	return path.Base(f.Path)
}

// ContentExtractor turns a stored file into text. Extract never fails: when
// decoding is impossible it returns a diagnostic placeholder.
type ContentExtractor interface {
	Extract(ctx context.Context, source ExtractionSource, mediaType string) string
	Register(mediaType string, decoder extract.Decoder)
}

// ContentExtractorConfig tunes the extractor.
type ContentExtractorConfig struct {
	OCR      ocr.Engine
	Timeout  time.Duration
	MaxBytes int64
}

type contentExtractor struct {
	mu       sync.RWMutex
	decoders map[string]extract.Decoder
	ocr      ocr.Engine
	timeout  time.Duration
	maxBytes int64
	logger   zerolog.Logger
}

// NewContentExtractor builds an extractor seeded with the built-in decoders.
func NewContentExtractor(cfg ContentExtractorConfig, logger zerolog.Logger) ContentExtractor {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxExtractionBytes
	}

	return &contentExtractor{
		decoders: extract.Builtin(),
		ocr:      cfg.OCR,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
		logger:   logger.With().Str("component", "content_extractor").Logger(),
	}
}

// Register installs or replaces the decoder for a media type.
func (e *contentExtractor) Register(mediaType string, decoder extract.Decoder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decoders[normalizeMediaType(mediaType)] = decoder
}

func (e *contentExtractor) Extract(ctx context.Context, source ExtractionSource, mediaType string) string {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	declared := normalizeMediaType(mediaType)
	logger := e.logger.With().Str("file", source.Name()).Str("media_type", declared).Logger()

	data, err := e.read(ctx, source)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read stored file")
		return e.degrade(declared, source.Name())
	}

	resolved := declared
	if resolved == "" || resolved == "application/octet-stream" {
		resolved = normalizeMediaType(mimetype.Detect(data).String())
		logger = logger.With().Str("detected_media_type", resolved).Logger()
	}

	if isImage(resolved) {
		text, err := e.recognize(ctx, data, resolved)
		if err != nil {
			logger.Warn().Err(err).Msg("ocr failed")
			return e.degrade(resolved, source.Name())
		}
		return text
	}

	text, err := e.decode(ctx, data, resolved)
	if err != nil {
		logger.Warn().Err(err).Msg("document decoding failed")
		return e.degrade(resolved, source.Name())
	}
	return text
}

func (e *contentExtractor) read(ctx context.Context, source ExtractionSource) ([]byte, error) {
	reader, err := source.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read stored file: %w", err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, fmt.Errorf("stored file exceeds %d bytes", e.maxBytes)
	}
	return data, nil
}

func (e *contentExtractor) recognize(ctx context.Context, data []byte, mediaType string) (string, error) {
	if e.ocr == nil {
		return "", errNoOCREngine
	}
	return e.ocr.Recognize(ctx, data, mediaType)
}

// decode runs the decoder off the caller's goroutine so a slow or stuck
// decoder is bounded by ctx.
func (e *contentExtractor) decode(ctx context.Context, data []byte, mediaType string) (string, error) {
	e.mu.RLock()
	decoder, ok := e.decoders[mediaType]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no decoder registered for %q", mediaType)
	}

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("decoder panic: %v", r)}
			}
		}()
		text, err := decoder(data)
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-done:
		return result.text, result.err
	}
}

func (e *contentExtractor) degrade(mediaType, name string) string {
	if isImage(mediaType) {
		observability.Degradations().WithLabelValues("ocr").Inc()
		return imageExtractionFailure
	}
	observability.Degradations().WithLabelValues("extraction").Inc()
	return fmt.Sprintf(documentPlaceholder, name)
}

func normalizeMediaType(mediaType string) string {
	base, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func isImage(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}
