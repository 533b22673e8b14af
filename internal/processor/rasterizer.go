/**
 * PDF Rasterizer - poppler pdftoppm backend
 *
 * Writes the upload to a scratch directory, renders pages to PNG with
 * pdftoppm and decodes them back in page order.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
	"github.com/adverant/nexus/ocr-api/internal/logging"
)

const (
	DefaultRasterDPI = 300

	pagePrefix = "page"

	// pdftoppm exits with 1 when the input cannot be opened or parsed
	pdftoppmOpenError = 1
)

// RasterizerConfig holds rasterizer configuration
type RasterizerConfig struct {
	PdftoppmPath string
	DPI          int
	TempDir      string
}

// PopplerRasterizer renders PDF pages through pdftoppm
type PopplerRasterizer struct {
	pdftoppmPath string
	dpi          int
	tempDir      string
	run          commandRunner
	logger       *logging.Logger
}

// NewPopplerRasterizer creates a rasterizer; availability is checked per call
func NewPopplerRasterizer(cfg *RasterizerConfig) *PopplerRasterizer {
	r := &PopplerRasterizer{
		pdftoppmPath: cfg.PdftoppmPath,
		dpi:          cfg.DPI,
		tempDir:      cfg.TempDir,
		run:          execRunner,
		logger:       logging.NewLogger("PopplerRasterizer"),
	}
	if r.pdftoppmPath == "" {
		r.pdftoppmPath = "pdftoppm"
	}
	if r.dpi <= 0 {
		r.dpi = DefaultRasterDPI
	}
	return r
}

// Available reports whether pdftoppm can be found
func (r *PopplerRasterizer) Available() error {
	if _, err := lookPath(r.pdftoppmPath); err != nil {
		return apperrors.NewRasterizationUnavailableError(r.pdftoppmPath, err)
	}
	return nil
}

// Args builds the pdftoppm argument list
func (r *PopplerRasterizer) Args(input, outPrefix string, maxPages int) []string {
	args := []string{"-r", strconv.Itoa(r.dpi), "-png"}
	if maxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(maxPages))
	}
	return append(args, input, outPrefix)
}

// Rasterize renders pdf into page images ordered by page number. When
// maxPages > 0 only the first maxPages pages are rendered and returned.
func (r *PopplerRasterizer) Rasterize(ctx context.Context, pdf []byte, maxPages int) ([]image.Image, error) {
	if err := r.Available(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	workDir, err := os.MkdirTemp(r.tempDir, "ocr-raster-")
	if err != nil {
		return nil, apperrors.NewRasterizationFailedError(fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, apperrors.NewRasterizationFailedError(fmt.Errorf("write input: %w", err))
	}

	_, stderr, err := r.run(ctx, r.pdftoppmPath, r.Args(input, filepath.Join(workDir, pagePrefix), maxPages), nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			err = fmt.Errorf("%w (stderr: %s)", err, msg)
		}
		if exitCode(err) == pdftoppmOpenError {
			return nil, apperrors.NewInvalidUploadError("PDF upload", err)
		}
		return nil, apperrors.NewRasterizationFailedError(err)
	}

	files, err := pageFiles(workDir)
	if err != nil {
		return nil, apperrors.NewRasterizationFailedError(err)
	}
	if maxPages > 0 && len(files) > maxPages {
		files = files[:maxPages]
	}

	pages := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := decodePNGFile(f)
		if err != nil {
			if apperrors.IsCode(err, apperrors.ErrorInvalidUpload) {
				return nil, err
			}
			return nil, apperrors.NewRasterizationFailedError(err)
		}
		pages = append(pages, img)
	}

	r.logger.Info("PDF rasterized",
		"pages", len(pages),
		"dpi", r.dpi,
		"maxPages", maxPages,
		"duration", time.Since(startTime).String())

	return pages, nil
}

// pageFiles lists pdftoppm outputs ("page-1.png", "page-01.png", ...) sorted by page number
func pageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read work dir: %w", err)
	}

	type pageFile struct {
		num  int
		path string
	}
	var found []pageFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, pagePrefix+"-") || !strings.HasSuffix(name, ".png") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, pagePrefix+"-"), ".png"))
		if err != nil {
			continue
		}
		found = append(found, pageFile{num: num, path: filepath.Join(dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].num < found[j].num })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

func decodePNGFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open page image: %w", err)
	}
	defer f.Close()

	cfg, err := png.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, apperrors.NewInvalidUploadError("PDF upload",
			fmt.Errorf("%s: %w", filepath.Base(path), err))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", filepath.Base(path), err)
	}

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// exitCode returns the exit status carried by err, or -1
func exitCode(err error) int {
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
