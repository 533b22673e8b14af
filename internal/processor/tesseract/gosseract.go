// Package tesseract implements processor.TextExtractor on top of libtesseract
// through gosseract. It needs cgo and the tesseract/leptonica headers, so it
// lives apart from the command-line backend.
package tesseract

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"

	"github.com/otiai10/gosseract/v2"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
	"github.com/adverant/nexus/ocr-api/internal/processor"
)

// defaultOEM is what libtesseract initialises with when no config file is given
const defaultOEM = 3

// Extractor runs recognition through an in-process gosseract client
type Extractor struct {
	tessdataPrefix string
	configDir      string
	clientFactory  func() *gosseract.Client
}

// New constructs a gosseract-backed extractor. Engine mode config files are
// written to a private directory created under baseDir (os.TempDir() when
// empty); Close removes it.
func New(tessdataPrefix, baseDir string) (*Extractor, error) {
	configDir, err := os.MkdirTemp(baseDir, "ocr-api-tess-")
	if err != nil {
		return nil, fmt.Errorf("create tesseract config dir: %w", err)
	}
	return &Extractor{
		tessdataPrefix: tessdataPrefix,
		configDir:      configDir,
		clientFactory:  gosseract.NewClient,
	}, nil
}

// Close removes the config directory
func (e *Extractor) Close() error {
	return os.RemoveAll(e.configDir)
}

func (e *Extractor) Name() string { return "gosseract" }

// Version reports the linked libtesseract version
func (e *Extractor) Version() string { return gosseract.Version() }

// ExtractText performs OCR on img with the language, PSM and OEM from params.
func (e *Extractor) ExtractText(ctx context.Context, img image.Image, params processor.OCRParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := processor.EncodePNG(img)
	if err != nil {
		return "", apperrors.NewEngineExecutionError(e.Name(), err)
	}

	c := e.newClient()
	defer c.Close()

	if e.tessdataPrefix != "" {
		if err := c.SetTessdataPrefix(e.tessdataPrefix); err != nil {
			return "", apperrors.NewEngineExecutionError(e.Name(), fmt.Errorf("set tessdata prefix: %w", err))
		}
	}
	if err := c.SetLanguage(params.Languages()...); err != nil {
		return "", apperrors.NewEngineExecutionError(e.Name(), fmt.Errorf("set languages: %w", err))
	}
	if err := c.SetPageSegMode(gosseract.PageSegMode(params.PSM)); err != nil {
		return "", apperrors.NewEngineExecutionError(e.Name(), fmt.Errorf("set page segmentation mode: %w", err))
	}
	// The engine mode is an init-only variable, so it goes through a config file.
	if params.OEM != defaultOEM {
		path, err := e.engineModeConfig(params.OEM)
		if err != nil {
			return "", apperrors.NewEngineExecutionError(e.Name(), err)
		}
		if err := c.SetConfigFile(path); err != nil {
			return "", apperrors.NewEngineExecutionError(e.Name(), fmt.Errorf("set config file: %w", err))
		}
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return "", apperrors.NewEngineExecutionError(e.Name(), fmt.Errorf("set image: %w", err))
	}

	text, err := c.Text()
	if err != nil {
		return "", apperrors.NewEngineExecutionError(e.Name(), fmt.Errorf("recognize text: %w", err))
	}
	return text, nil
}

// newClient returns a client that leaves recognised text untrimmed
func (e *Extractor) newClient() *gosseract.Client {
	c := e.clientFactory()
	c.Trim = false
	return c
}

// engineModeConfig writes (once) a config file selecting the given OEM
func (e *Extractor) engineModeConfig(oem int) (string, error) {
	path := filepath.Join(e.configDir, "ocr-api-oem-"+strconv.Itoa(oem)+".cfg")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	content := []byte("tessedit_ocr_engine_mode " + strconv.Itoa(oem) + "\n")
	tmp, err := os.CreateTemp(e.configDir, "oem-*.cfg")
	if err != nil {
		return "", fmt.Errorf("create engine mode config: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write engine mode config: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("install engine mode config: %w", err)
	}
	return path, nil
}
