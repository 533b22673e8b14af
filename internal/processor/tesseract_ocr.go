/**
 * Tesseract OCR - command-line backend
 *
 * Runs the tesseract binary once per page image, streaming a PNG on stdin and
 * reading the recognised text from stdout.
 */

package processor

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
	"github.com/adverant/nexus/ocr-api/internal/logging"
)

// windowsTesseractPaths are tried when tesseract is not on PATH
var windowsTesseractPaths = []string{
	`C:\Program Files\Tesseract-OCR\tesseract.exe`,
	`C:\Program Files (x86)\Tesseract-OCR\tesseract.exe`,
}

// TesseractOCR handles OCR by invoking the tesseract binary
type TesseractOCR struct {
	tesseractPath  string
	tessdataPrefix string
	run            commandRunner
	logger         *logging.Logger
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TesseractPath  string
	TessdataPrefix string
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	return &TesseractOCR{
		tesseractPath:  ResolveTesseractPath(cfg.TesseractPath),
		tessdataPrefix: cfg.TessdataPrefix,
		run:            execRunner,
		logger:         logging.NewLogger("TesseractOCR"),
	}
}

// ResolveTesseractPath returns the configured path, the PATH entry, or a
// platform install location, in that order
func ResolveTesseractPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p, err := lookPath("tesseract"); err == nil {
		return p
	}
	if runtime.GOOS == "windows" {
		for _, p := range windowsTesseractPaths {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return "tesseract"
}

func (t *TesseractOCR) Name() string { return "tesseract" }

// Path returns the resolved binary path
func (t *TesseractOCR) Path() string { return t.tesseractPath }

// Available reports whether the tesseract binary can be found
func (t *TesseractOCR) Available() error {
	if _, err := lookPath(t.tesseractPath); err != nil {
		return apperrors.NewEngineExecutionError(t.Name(), fmt.Errorf("tesseract binary %q not found: %w", t.tesseractPath, err))
	}
	return nil
}

// Args builds the tesseract argument list for params
func (t *TesseractOCR) Args(params OCRParams) []string {
	args := []string{"stdin", "stdout", "-l", strings.Join(params.Languages(), "+")}
	if t.tessdataPrefix != "" {
		args = append(args, "--tessdata-dir", t.tessdataPrefix)
	}
	return append(args, strings.Fields(params.EngineConfig())...)
}

// ExtractText performs OCR on img and returns tesseract's output verbatim
func (t *TesseractOCR) ExtractText(ctx context.Context, img image.Image, params OCRParams) (string, error) {
	startTime := time.Now()

	data, err := EncodePNG(img)
	if err != nil {
		return "", apperrors.NewEngineExecutionError(t.Name(), err)
	}

	stdout, stderr, err := t.run(ctx, t.tesseractPath, t.Args(params), data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		msg := strings.TrimSpace(string(stderr))
		if msg != "" {
			err = fmt.Errorf("%w (stderr: %s)", err, msg)
		}
		return "", apperrors.NewEngineExecutionError(t.Name(), err)
	}

	t.logger.Debug("Tesseract run complete",
		"lang", params.Lang,
		"config", params.EngineConfig(),
		"chars", len(stdout),
		"duration", time.Since(startTime).String())

	return string(stdout), nil
}
