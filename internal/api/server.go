/**
 * API Server - HTTP boundary for OCR and LLM structuring
 *
 * Routes:
 *   GET  /health, /healthz   liveness
 *   POST /ocr/image          multipart image → {"text"}
 *   POST /ocr/pdf            multipart PDF → {"pages","texts"}
 *   POST /nlp/structure      form text+schema → {"ok","data"}
 *
 * Every failure is converted to a JSON error payload; a recovery middleware
 * keeps panics from reaching net/http.
 */

package api

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/adverant/nexus/ocr-api/internal/logging"
	"github.com/adverant/nexus/ocr-api/internal/processor"
)

// APIVersion is reported by the health endpoints
const APIVersion = "api-1.0.0"

// OCRProcessor runs the OCR pipeline
type OCRProcessor interface {
	ImageToText(ctx context.Context, img image.Image, params processor.OCRParams) (string, error)
	PDFToTexts(ctx context.Context, pdf []byte, params processor.OCRParams) (*processor.PDFResult, error)
}

// Structurer turns text into JSON following a schema description
type Structurer interface {
	StructureText(ctx context.Context, text, schema, model string) (any, error)
}

// ServerConfig holds API server dependencies and limits
type ServerConfig struct {
	OCR               OCRProcessor
	LLM               Structurer
	Defaults          processor.OCRParams
	PartialResults    bool
	ProcessingTimeout time.Duration
	MaxFileSize       int64
	AllowedOrigins    []string
}

// Server serves the HTTP API
type Server struct {
	ocr               OCRProcessor
	llm               Structurer
	defaults          processor.OCRParams
	partialResults    bool
	processingTimeout time.Duration
	maxFileSize       int64
	allowedOrigins    []string
	logger            *logging.Logger
	handler           http.Handler
}

// NewServer creates a new API server
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.OCR == nil {
		return nil, fmt.Errorf("OCR processor is required")
	}

	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM client is required")
	}

	if cfg.ProcessingTimeout <= 0 {
		return nil, fmt.Errorf("processing timeout must be positive")
	}

	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("max file size must be positive")
	}

	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OCR defaults: %w", err)
	}

	s := &Server{
		ocr:               cfg.OCR,
		llm:               cfg.LLM,
		defaults:          cfg.Defaults,
		partialResults:    cfg.PartialResults,
		processingTimeout: cfg.ProcessingTimeout,
		maxFileSize:       cfg.MaxFileSize,
		allowedOrigins:    cfg.AllowedOrigins,
		logger:            logging.NewLogger("APIServer"),
	}
	s.handler = s.routes()

	return s, nil
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /ocr/image", s.handleOCRImage)
	mux.HandleFunc("POST /ocr/pdf", s.handleOCRPDF)
	mux.HandleFunc("POST /nlp/structure", s.handleStructure)

	// Outermost first: request ID, recovery, access log, CORS.
	var h http.Handler = mux
	h = s.cors(h)
	h = s.accessLog(h)
	h = s.recoverer(h)
	h = s.requestID(h)
	return h
}
