/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Common types used by the orchestrator, the Tesseract backends and the
 * PDF rasterizer.
 */

package processor

import (
	"context"
	"fmt"
	"image"
	"strings"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
)

// OCRParams is the per-request engine configuration. Passed by value.
type OCRParams struct {
	Lang     string // Tesseract language tag(s), "+"-joined for multi-language
	PSM      int    // page segmentation mode, 0-13
	OEM      int    // engine mode, 0-3
	Binarize bool
	MaxPages int // 0 means all pages
}

// DefaultOCRParams mirrors the API form defaults
func DefaultOCRParams() OCRParams {
	return OCRParams{
		Lang:     "eng",
		PSM:      3,
		OEM:      3,
		Binarize: true,
	}
}

// Validate rejects values Tesseract would refuse
func (p OCRParams) Validate() error {
	if p.PSM < 0 || p.PSM > 13 {
		return apperrors.NewInvalidParametersError("psm", fmt.Sprintf("must be between 0 and 13, got %d", p.PSM))
	}
	if p.OEM < 0 || p.OEM > 3 {
		return apperrors.NewInvalidParametersError("oem", fmt.Sprintf("must be between 0 and 3, got %d", p.OEM))
	}
	if p.MaxPages < 0 {
		return apperrors.NewInvalidParametersError("max_pages", fmt.Sprintf("must not be negative, got %d", p.MaxPages))
	}
	langs := p.Languages()
	if len(langs) == 0 {
		return apperrors.NewInvalidParametersError("lang", "must not be empty")
	}
	for _, lang := range langs {
		if !validLangTag(lang) {
			return apperrors.NewInvalidParametersError("lang", fmt.Sprintf("invalid language tag %q", lang))
		}
	}
	return nil
}

// EngineConfig renders the Tesseract command-line configuration string
func (p OCRParams) EngineConfig() string {
	return fmt.Sprintf("--psm %d --oem %d", p.PSM, p.OEM)
}

// Languages splits a "+"-joined language tag
func (p OCRParams) Languages() []string {
	var out []string
	for _, lang := range strings.Split(p.Lang, "+") {
		if lang = strings.TrimSpace(lang); lang != "" {
			out = append(out, lang)
		}
	}
	return out
}

func validLangTag(tag string) bool {
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return tag != ""
}

// TextExtractor runs OCR on a single image
type TextExtractor interface {
	Name() string
	ExtractText(ctx context.Context, img image.Image, params OCRParams) (string, error)
}

// Rasterizer converts PDF bytes into page images in document order
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, maxPages int) ([]image.Image, error)
}

// PageFailure records a page that could not be extracted in partial-results mode
type PageFailure struct {
	PageNumber int // 1-indexed
	Err        error
}

// PDFResult holds one text per processed page, in page order
type PDFResult struct {
	Texts       []string
	FailedPages []PageFailure
}

// Pages returns the number of processed pages
func (r *PDFResult) Pages() int {
	return len(r.Texts)
}
