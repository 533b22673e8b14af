/**
 * OCR API Server - Main Entry Point
 *
 * HTTP service that turns uploaded images and PDFs into text with Tesseract
 * and structures text into JSON through a local Ollama model.
 *
 * Architecture:
 * - net/http server with request ID, access log, CORS and recovery middleware
 * - OCR pipeline: binarize (Otsu or fixed threshold) → tesseract (CLI or libtesseract)
 * - PDF pipeline: poppler pdftoppm at 300 DPI → per-page OCR, in page order
 * - LLM structuring: Ollama /api/chat in JSON mode
 *
 * External tools are optional at startup: missing tesseract, pdftoppm or
 * Ollama only produce warnings and surface as errors on the affected routes.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/ocr-api/internal/api"
	"github.com/adverant/nexus/ocr-api/internal/clients"
	"github.com/adverant/nexus/ocr-api/internal/config"
	"github.com/adverant/nexus/ocr-api/internal/logging"
	"github.com/adverant/nexus/ocr-api/internal/processor"
	"github.com/adverant/nexus/ocr-api/internal/processor/tesseract"
)

const (
	shutdownTimeout    = 30 * time.Second
	healthCheckTimeout = 5 * time.Second
)

func main() {
	logger := logging.NewLogger("Main")

	// Load environment variables
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	envErr := godotenv.Load(envFile)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	logger = logging.NewLogger("Main")
	if envErr != nil {
		logger.Warn("Env file not loaded, using system environment variables", "file", envFile)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("OCR API starting",
		"addr", cfg.HTTPAddr,
		"ocrBackend", cfg.OCRBackend,
		"binarize", cfg.BinarizeMethod,
		"partialResults", cfg.PartialResults,
		"ollama", cfg.OllamaBaseURL,
		"model", cfg.OllamaModel)

	extractor, err := buildExtractor(cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := extractor.(io.Closer); ok {
		defer c.Close()
	}

	binarizer, err := processor.NewBinarizer(cfg.BinarizeMethod)
	if err != nil {
		return fmt.Errorf("failed to initialize binarizer: %w", err)
	}

	rasterizer := processor.NewPopplerRasterizer(&processor.RasterizerConfig{
		PdftoppmPath: cfg.PdftoppmPath,
		DPI:          cfg.RasterDPI,
		TempDir:      cfg.TempDir,
	})
	if err := rasterizer.Available(); err != nil {
		logger.Warn("pdftoppm not available, /ocr/pdf will fail until poppler is installed", "error", err)
	}

	ocrService, err := processor.NewOCRService(&processor.ServiceConfig{
		Extractor:      extractor,
		Binarizer:      binarizer,
		Rasterizer:     rasterizer,
		PartialResults: cfg.PartialResults,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OCR service: %w", err)
	}

	ollama := clients.NewOllamaClient(&clients.OllamaConfig{
		BaseURL:     cfg.OllamaBaseURL,
		Model:       cfg.OllamaModel,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeoutDuration(),
	})
	checkCtx, cancelCheck := context.WithTimeout(ctx, healthCheckTimeout)
	if err := ollama.HealthCheck(checkCtx); err != nil {
		logger.Warn("Ollama not reachable, /nlp/structure will report errors", "error", err)
	}
	cancelCheck()

	server, err := api.NewServer(&api.ServerConfig{
		OCR: ocrService,
		LLM: ollama,
		Defaults: processor.OCRParams{
			Lang:     cfg.DefaultLang,
			PSM:      cfg.DefaultPSM,
			OEM:      cfg.DefaultOEM,
			Binarize: true,
		},
		PartialResults:    cfg.PartialResults,
		ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		MaxFileSize:       cfg.MaxFileSize,
		AllowedOrigins:    cfg.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("OCR API is READY", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// buildExtractor selects the tesseract backend named by OCR_BACKEND
func buildExtractor(cfg *config.Config, logger *logging.Logger) (processor.TextExtractor, error) {
	switch cfg.OCRBackend {
	case "gosseract":
		e, err := tesseract.New(cfg.TessdataPrefix, cfg.TempDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize libtesseract backend: %w", err)
		}
		logger.Info("Using libtesseract backend", "version", e.Version())
		return e, nil
	case "cli", "":
		t := processor.NewTesseractOCR(&processor.TesseractConfig{
			TesseractPath:  cfg.TesseractPath,
			TessdataPrefix: cfg.TessdataPrefix,
		})
		if err := t.Available(); err != nil {
			logger.Warn("tesseract not available, OCR requests will fail", "path", t.Path(), "error", err)
		} else {
			logger.Info("Using tesseract binary", "path", t.Path())
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown OCR backend %q", cfg.OCRBackend)
	}
}
