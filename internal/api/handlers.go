package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
	"github.com/adverant/nexus/ocr-api/internal/processor"
)

// multipartMemory is the part of a multipart body kept in memory before spilling to disk
const multipartMemory = 32 << 20

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type imageResponse struct {
	Text string `json:"text"`
}

type pdfResponse struct {
	Pages int      `json:"pages"`
	Texts []string `json:"texts"`
}

type failedPage struct {
	Page  int    `json:"page"`
	Error string `json:"error"`
}

type partialPDFResponse struct {
	pdfResponse
	FailedPages []failedPage `json:"failed_pages"`
}

type structureResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data"`
}

type structureErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: APIVersion})
}

func (s *Server) handleOCRImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.readUpload(w, r, "image")
	if err != nil {
		s.writeOCRError(w, r, err)
		return
	}

	// max_pages is accepted for form compatibility and ignored for images.
	params, err := s.parseOCRParams(r, false)
	if err != nil {
		s.writeOCRError(w, r, err)
		return
	}

	mime := processor.DetectMimeType(data)
	if mime == processor.MimePDF {
		s.writeOCRError(w, r, apperrors.NewInvalidUploadError("image",
			errors.New("received a PDF document, upload it to /ocr/pdf")))
		return
	}

	img, format, err := processor.DecodeImage(data)
	if err != nil {
		s.writeOCRError(w, r, err)
		return
	}
	s.loggerFrom(r.Context()).Debug("Image decoded",
		"mime", mime,
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	ctx, cancel := context.WithTimeout(r.Context(), s.processingTimeout)
	defer cancel()

	text, err := s.ocr.ImageToText(ctx, img, params)
	if err != nil {
		s.writeOCRError(w, r, s.timeoutAware(ctx, err))
		return
	}

	writeJSON(w, http.StatusOK, imageResponse{Text: text})
}

func (s *Server) handleOCRPDF(w http.ResponseWriter, r *http.Request) {
	data, err := s.readUpload(w, r, "PDF upload")
	if err != nil {
		s.writeOCRError(w, r, err)
		return
	}

	params, err := s.parseOCRParams(r, true)
	if err != nil {
		s.writeOCRError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.processingTimeout)
	defer cancel()

	result, err := s.ocr.PDFToTexts(ctx, data, params)
	if err != nil {
		s.writeOCRError(w, r, s.timeoutAware(ctx, err))
		return
	}

	texts := result.Texts
	if texts == nil {
		texts = []string{}
	}
	resp := pdfResponse{Pages: len(texts), Texts: texts}

	if !s.partialResults {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	failed := make([]failedPage, 0, len(result.FailedPages))
	for _, f := range result.FailedPages {
		failed = append(failed, failedPage{Page: f.PageNumber, Error: errorMessage(f.Err)})
	}
	writeJSON(w, http.StatusOK, partialPDFResponse{pdfResponse: resp, FailedPages: failed})
}

func (s *Server) handleStructure(w http.ResponseWriter, r *http.Request) {
	logger := s.loggerFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize)
	if err := parseForm(r); err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, structureErrorResponse{
			Error: fmt.Sprintf("Invalid form: %v", err),
			Code:  string(apperrors.ErrorInvalidParameters),
		})
		return
	}

	for _, field := range []string{"text", "schema"} {
		if _, ok := r.PostForm[field]; !ok {
			writeJSON(w, http.StatusBadRequest, structureErrorResponse{
				Error: fmt.Sprintf("Missing form field %q", field),
				Code:  string(apperrors.ErrorInvalidParameters),
			})
			return
		}
	}

	text := r.PostFormValue("text")
	schema := r.PostFormValue("schema")
	model := strings.TrimSpace(r.PostFormValue("model"))

	data, err := s.llm.StructureText(r.Context(), text, schema, model)
	if err != nil {
		code := apperrors.CodeOf(err)
		status := http.StatusInternalServerError
		switch code {
		case apperrors.ErrorLLMUnreachable, apperrors.ErrorLLMBadResponse, apperrors.ErrorLLMHTTP:
			status = http.StatusOK
		}
		logger.Warn("Structuring failed", "errorCode", string(code), "error", err)
		writeJSON(w, status, structureErrorResponse{Error: errorMessage(err), Code: string(code)})
		return
	}

	writeJSON(w, http.StatusOK, structureResponse{OK: true, Data: data})
}

// readUpload limits the request body, parses the multipart form and reads the "file" part
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, kind string) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, apperrors.NewInvalidUploadError(kind, err)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, apperrors.NewInvalidUploadError(kind, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperrors.NewInvalidUploadError(kind, err)
	}
	return data, nil
}

// parseOCRParams reads lang/psm/oem/binarize (and max_pages when withPages) over the configured defaults
func (s *Server) parseOCRParams(r *http.Request, withPages bool) (processor.OCRParams, error) {
	params := s.defaults

	if v := strings.TrimSpace(r.FormValue("lang")); v != "" {
		params.Lang = v
	}

	var err error
	if params.PSM, err = intField(r, "psm", params.PSM); err != nil {
		return params, err
	}
	if params.OEM, err = intField(r, "oem", params.OEM); err != nil {
		return params, err
	}
	if params.Binarize, err = boolField(r, "binarize", params.Binarize); err != nil {
		return params, err
	}

	params.MaxPages = 0
	if withPages {
		if params.MaxPages, err = intField(r, "max_pages", 0); err != nil {
			return params, err
		}
		// Zero or negative means all pages.
		if params.MaxPages < 0 {
			params.MaxPages = 0
		}
	}

	return params, params.Validate()
}

func intField(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, apperrors.NewInvalidParametersError(name, fmt.Sprintf("%q is not an integer", raw))
	}
	return v, nil
}

func boolField(r *http.Request, name string, def bool) (bool, error) {
	raw := strings.ToLower(strings.TrimSpace(r.FormValue(name)))
	switch raw {
	case "":
		return def, nil
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return def, apperrors.NewInvalidParametersError(name, fmt.Sprintf("%q is not a boolean", raw))
}

// parseForm accepts both urlencoded and multipart bodies
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return nil
	}
	return err
}

// timeoutAware converts an expired processing deadline into PROCESSING_TIMEOUT
func (s *Server) timeoutAware(ctx context.Context, err error) error {
	if processor.IsTimeout(err) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.NewProcessingTimeoutError(s.processingTimeout, err)
	}
	return err
}

func (s *Server) writeOCRError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestIDFrom(r.Context())
	status := statusFor(err)

	logger := s.loggerFrom(r.Context())
	var pe *apperrors.ProcessingError
	if errors.As(err, &pe) {
		pe.WithRequestID(requestID)
		if status >= http.StatusInternalServerError {
			logger.Error("OCR request failed", "error", pe.ToMap())
		} else {
			logger.Warn("OCR request rejected", "error", pe.ToMap())
		}
	} else {
		logger.Error("OCR request failed", "error", err)
	}

	writeJSON(w, status, errorResponse{
		Error:     errorMessage(err),
		Code:      string(apperrors.CodeOf(err)),
		RequestID: requestID,
	})
}

// statusFor maps an error to the HTTP status of the OCR endpoints
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}

	switch apperrors.CodeOf(err) {
	case apperrors.ErrorInvalidUpload, apperrors.ErrorInvalidParameters:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage renders the user-facing text of err: "<message>: <cause>" for
// processing errors, err.Error() otherwise
func errorMessage(err error) string {
	var pe *apperrors.ProcessingError
	if !errors.As(err, &pe) {
		return err.Error()
	}

	msg := pe.Message
	if pe.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, pe.Cause)
	}

	// Keep the page prefix added by the orchestrator.
	if outer := err.Error(); outer != pe.Error() && strings.HasSuffix(outer, pe.Error()) {
		msg = strings.TrimSuffix(outer, pe.Error()) + msg
	}
	return msg
}
