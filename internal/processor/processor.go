/**
 * OCR Service - orchestrates preprocessing, rasterization and extraction
 *
 * Image flow: binarize (or convert to RGB) → extract.
 * PDF flow:   rasterize → per page, in order: binarize (or RGB) → extract.
 *
 * Pages are processed sequentially. By default the first failing page fails
 * the whole request; with PartialResults the page yields "" and is reported
 * in PDFResult.FailedPages.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
	"github.com/adverant/nexus/ocr-api/internal/logging"
)

// ServiceConfig holds OCR service collaborators
type ServiceConfig struct {
	Extractor      TextExtractor
	Binarizer      Binarizer
	Rasterizer     Rasterizer
	PartialResults bool
}

// OCRService turns images and PDFs into text
type OCRService struct {
	extractor      TextExtractor
	binarizer      Binarizer
	rasterizer     Rasterizer
	partialResults bool
	logger         *logging.Logger
}

// NewOCRService creates a new OCR service
func NewOCRService(cfg *ServiceConfig) (*OCRService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Extractor == nil {
		return nil, fmt.Errorf("text extractor is required")
	}

	if cfg.Rasterizer == nil {
		return nil, fmt.Errorf("rasterizer is required")
	}

	binarizer := cfg.Binarizer
	if binarizer == nil {
		binarizer = OtsuBinarizer{}
	}

	return &OCRService{
		extractor:      cfg.Extractor,
		binarizer:      binarizer,
		rasterizer:     cfg.Rasterizer,
		partialResults: cfg.PartialResults,
		logger:         logging.NewLogger("OCRService"),
	}, nil
}

// Prepare applies the preprocessing selected by binarize
func (s *OCRService) Prepare(img image.Image, binarize bool) image.Image {
	if binarize {
		return s.binarizer.Binarize(img)
	}
	return ToRGB(img)
}

// ImageToText extracts text from a single decoded image
func (s *OCRService) ImageToText(ctx context.Context, img image.Image, params OCRParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	startTime := time.Now()
	text, err := s.extractor.ExtractText(ctx, s.Prepare(img, params.Binarize), params)
	if err != nil {
		return "", err
	}

	s.logger.Info("Image OCR complete",
		"engine", s.extractor.Name(),
		"lang", params.Lang,
		"psm", params.PSM,
		"oem", params.OEM,
		"binarize", params.Binarize,
		"chars", len(text),
		"duration", time.Since(startTime).String())

	return text, nil
}

// PDFToTexts rasterizes pdf and extracts one text per retained page
func (s *OCRService) PDFToTexts(ctx context.Context, pdf []byte, params OCRParams) (*PDFResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if DetectMimeType(pdf) != MimePDF {
		return nil, apperrors.NewInvalidUploadError("PDF upload", fmt.Errorf("missing %%PDF header"))
	}

	startTime := time.Now()
	pages, err := s.rasterizer.Rasterize(ctx, pdf, params.MaxPages)
	if err != nil {
		return nil, err
	}
	if params.MaxPages > 0 && len(pages) > params.MaxPages {
		pages = pages[:params.MaxPages]
	}

	result := &PDFResult{Texts: make([]string, 0, len(pages))}
	for i, page := range pages {
		pageNumber := i + 1
		text, err := s.extractor.ExtractText(ctx, s.Prepare(page, params.Binarize), params)
		if err != nil {
			if !s.partialResults || ctx.Err() != nil {
				return nil, fmt.Errorf("page %d: %w", pageNumber, err)
			}
			s.logger.Warn("Page extraction failed, continuing", "page", pageNumber, "error", err)
			result.FailedPages = append(result.FailedPages, PageFailure{PageNumber: pageNumber, Err: err})
			text = ""
		}
		result.Texts = append(result.Texts, text)
		// Release the raster as soon as the page is done.
		pages[i] = nil
	}

	s.logger.Info("PDF OCR complete",
		"engine", s.extractor.Name(),
		"pages", result.Pages(),
		"failedPages", len(result.FailedPages),
		"maxPages", params.MaxPages,
		"duration", time.Since(startTime).String())

	return result, nil
}

// IsTimeout reports whether err stems from a cancelled or expired context
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
