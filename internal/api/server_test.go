package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
	"github.com/adverant/nexus/ocr-api/internal/processor"
)

type fakeOCR struct {
	gotParams processor.OCRParams
	gotImage  image.Image
	gotPDF    []byte
	text      string
	result    *processor.PDFResult
	err       error
	block     bool
}

func (f *fakeOCR) ImageToText(ctx context.Context, img image.Image, params processor.OCRParams) (string, error) {
	f.gotImage = img
	f.gotParams = params
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

func (f *fakeOCR) PDFToTexts(ctx context.Context, pdf []byte, params processor.OCRParams) (*processor.PDFResult, error) {
	f.gotPDF = pdf
	f.gotParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeLLM struct {
	gotText, gotSchema, gotModel string
	data                         any
	err                          error
	panicWith                    any
}

func (f *fakeLLM) StructureText(ctx context.Context, text, schema, model string) (any, error) {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	f.gotText, f.gotSchema, f.gotModel = text, schema, model
	return f.data, f.err
}

func newTestServer(t *testing.T, ocr *fakeOCR, llm *fakeLLM, mutate func(*ServerConfig)) http.Handler {
	t.Helper()
	cfg := &ServerConfig{
		OCR:               ocr,
		LLM:               llm,
		Defaults:          processor.DefaultOCRParams(),
		ProcessingTimeout: 5 * time.Second,
		MaxFileSize:       1 << 20,
		AllowedOrigins:    []string{"http://localhost:8501"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv.Handler()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(1, 1, color.RGBA{R: 200, G: 10, B: 30, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// multipartRequest builds a POST with an optional "file" part and form fields
func multipartRequest(t *testing.T, path string, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		fw, err := mw.CreateFormFile("file", "upload.bin")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(file); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestNewServerValidation(t *testing.T) {
	base := func() *ServerConfig {
		return &ServerConfig{
			OCR:               &fakeOCR{},
			LLM:               &fakeLLM{},
			Defaults:          processor.DefaultOCRParams(),
			ProcessingTimeout: time.Second,
			MaxFileSize:       1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"missing OCR", func(c *ServerConfig) { c.OCR = nil }},
		{"missing LLM", func(c *ServerConfig) { c.LLM = nil }},
		{"zero timeout", func(c *ServerConfig) { c.ProcessingTimeout = 0 }},
		{"zero max size", func(c *ServerConfig) { c.MaxFileSize = 0 }},
		{"bad defaults", func(c *ServerConfig) { c.Defaults.PSM = 42 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if _, err := NewServer(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	for _, path := range []string{"/health", "/healthz"} {
		rec, body := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if body["status"] != "ok" || body["version"] != APIVersion {
			t.Fatalf("%s body = %v", path, body)
		}
		if rec.Header().Get(requestIDHeader) == "" {
			t.Fatalf("%s missing request ID header", path)
		}
	}
}

func TestRequestIDPropagated(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec, _ := serve(h, req)
	if got := rec.Header().Get(requestIDHeader); got != "req-123" {
		t.Fatalf("request ID = %q, want req-123", got)
	}
}

func TestOCRImageDefaults(t *testing.T) {
	ocr := &fakeOCR{text: "Hello\n"}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	rec, body := serve(h, multipartRequest(t, "/ocr/image", pngBytes(t), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if body["text"] != "Hello\n" {
		t.Fatalf("text = %v", body["text"])
	}
	want := processor.OCRParams{Lang: "eng", PSM: 3, OEM: 3, Binarize: true}
	if ocr.gotParams != want {
		t.Fatalf("params = %+v, want %+v", ocr.gotParams, want)
	}
	if ocr.gotImage.Bounds().Dx() != 4 || ocr.gotImage.Bounds().Dy() != 2 {
		t.Fatalf("decoded image bounds %v", ocr.gotImage.Bounds())
	}
}

func TestOCRImageFormFields(t *testing.T) {
	ocr := &fakeOCR{}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	fields := map[string]string{"lang": "deu+eng", "psm": "6", "oem": "1", "binarize": "false", "max_pages": "3"}
	rec, _ := serve(h, multipartRequest(t, "/ocr/image", pngBytes(t), fields))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	want := processor.OCRParams{Lang: "deu+eng", PSM: 6, OEM: 1, Binarize: false}
	if ocr.gotParams != want {
		t.Fatalf("params = %+v, want %+v (max_pages must be ignored)", ocr.gotParams, want)
	}
}

func TestOCRImageInvalidImage(t *testing.T) {
	ocr := &fakeOCR{}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	rec, body := serve(h, multipartRequest(t, "/ocr/image", []byte("this is not an image"), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	msg, _ := body["error"].(string)
	if !strings.HasPrefix(msg, "Invalid image") {
		t.Fatalf("error = %q, want it to mention invalid image", msg)
	}
	if ocr.gotImage != nil {
		t.Fatalf("OCR must not run on undecodable input")
	}
}

func TestOCRImageRejectsPDF(t *testing.T) {
	ocr := &fakeOCR{}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	rec, body := serve(h, multipartRequest(t, "/ocr/image", []byte("%PDF-1.7\n1 0 obj\n"), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body["code"] != string(apperrors.ErrorInvalidUpload) {
		t.Fatalf("code = %v", body["code"])
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "/ocr/pdf") {
		t.Fatalf("error = %q, want a pointer to /ocr/pdf", msg)
	}
	if ocr.gotImage != nil {
		t.Fatalf("OCR must not run on a PDF upload")
	}
}

func TestOCRImageOversized(t *testing.T) {
	ocr := &fakeOCR{}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	data := pngBytes(t)
	// Claim 20000x20000 in the IHDR chunk and fix up its CRC.
	binary.BigEndian.PutUint32(data[16:20], 20000)
	binary.BigEndian.PutUint32(data[20:24], 20000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	rec, body := serve(h, multipartRequest(t, "/ocr/image", data, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body["code"] != string(apperrors.ErrorInvalidUpload) {
		t.Fatalf("code = %v", body["code"])
	}
	if ocr.gotImage != nil {
		t.Fatalf("OCR must not run on an oversized image")
	}
}

func TestOCRImageMissingFile(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	rec, body := serve(h, multipartRequest(t, "/ocr/image", nil, map[string]string{"lang": "eng"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body["code"] != string(apperrors.ErrorInvalidUpload) {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestOCRImageBadParameters(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	for _, fields := range []map[string]string{
		{"psm": "abc"},
		{"psm": "14"},
		{"binarize": "maybe"},
		{"lang": "eng; rm -rf /"},
	} {
		rec, body := serve(h, multipartRequest(t, "/ocr/image", pngBytes(t), fields))
		if rec.Code != http.StatusBadRequest || body["code"] != string(apperrors.ErrorInvalidParameters) {
			t.Fatalf("fields %v: status = %d, body = %v", fields, rec.Code, body)
		}
	}
}

func TestOCRImageEngineFailure(t *testing.T) {
	ocr := &fakeOCR{err: apperrors.NewEngineExecutionError("tesseract", errors.New("exit status 1"))}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	rec, body := serve(h, multipartRequest(t, "/ocr/image", pngBytes(t), nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body["code"] != string(apperrors.ErrorEngineExecution) || body["error"] == "" {
		t.Fatalf("body = %v", body)
	}
}

func TestOCRImageTimeout(t *testing.T) {
	ocr := &fakeOCR{block: true}
	h := newTestServer(t, ocr, &fakeLLM{}, func(c *ServerConfig) { c.ProcessingTimeout = 20 * time.Millisecond })

	rec, body := serve(h, multipartRequest(t, "/ocr/image", pngBytes(t), nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body["code"] != string(apperrors.ErrorProcessingTimeout) {
		t.Fatalf("code = %v, want PROCESSING_TIMEOUT", body["code"])
	}
}

func TestOCRImageTooLarge(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, func(c *ServerConfig) { c.MaxFileSize = 64 })

	rec, _ := serve(h, multipartRequest(t, "/ocr/image", bytes.Repeat([]byte{0xFF}, 4096), nil))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestOCRPDFMaxPages(t *testing.T) {
	ocr := &fakeOCR{result: &processor.PDFResult{Texts: []string{"page one text"}}}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	pdf := []byte("%PDF-1.4 two pages")
	rec, body := serve(h, multipartRequest(t, "/ocr/pdf", pdf, map[string]string{"max_pages": "1"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ocr.gotParams.MaxPages != 1 || !bytes.Equal(ocr.gotPDF, pdf) {
		t.Fatalf("params = %+v", ocr.gotParams)
	}
	if body["pages"] != float64(1) {
		t.Fatalf("pages = %v", body["pages"])
	}
	texts, _ := body["texts"].([]any)
	if len(texts) != 1 || texts[0] != "page one text" {
		t.Fatalf("texts = %v", body["texts"])
	}
	if _, ok := body["failed_pages"]; ok {
		t.Fatalf("failed_pages must only appear in partial mode")
	}
}

func TestOCRPDFNegativeMaxPagesMeansAll(t *testing.T) {
	ocr := &fakeOCR{result: &processor.PDFResult{Texts: []string{}}}
	h := newTestServer(t, ocr, &fakeLLM{}, nil)

	rec, body := serve(h, multipartRequest(t, "/ocr/pdf", []byte("%PDF-1.4"), map[string]string{"max_pages": "-5"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ocr.gotParams.MaxPages != 0 {
		t.Fatalf("MaxPages = %d, want 0", ocr.gotParams.MaxPages)
	}
	if texts, ok := body["texts"].([]any); !ok || len(texts) != 0 {
		t.Fatalf("texts = %#v, want empty array", body["texts"])
	}
}

func TestOCRPDFPartialResults(t *testing.T) {
	pageErr := apperrors.NewEngineExecutionError("tesseract", errors.New("exit status 1"))
	ocr := &fakeOCR{result: &processor.PDFResult{
		Texts:       []string{"one", ""},
		FailedPages: []processor.PageFailure{{PageNumber: 2, Err: pageErr}},
	}}
	h := newTestServer(t, ocr, &fakeLLM{}, func(c *ServerConfig) { c.PartialResults = true })

	rec, body := serve(h, multipartRequest(t, "/ocr/pdf", []byte("%PDF-1.4"), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	failed, _ := body["failed_pages"].([]any)
	if len(failed) != 1 {
		t.Fatalf("failed_pages = %v", body["failed_pages"])
	}
	if entry, _ := failed[0].(map[string]any); entry["page"] != float64(2) {
		t.Fatalf("failed page entry = %v", failed[0])
	}
}

func TestOCRPDFErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not a pdf", apperrors.NewInvalidUploadError("PDF upload", errors.New("missing %PDF header")), http.StatusBadRequest},
		{"no poppler", apperrors.NewRasterizationUnavailableError("pdftoppm", errors.New("not found")), http.StatusInternalServerError},
		{"page failure", errorsJoinPage(apperrors.NewEngineExecutionError("tesseract", errors.New("boom"))), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(t, &fakeOCR{err: tc.err}, &fakeLLM{}, nil)
			rec, body := serve(h, multipartRequest(t, "/ocr/pdf", []byte("whatever"), nil))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if body["error"] == "" || body["error"] == nil {
				t.Fatalf("missing error message: %v", body)
			}
		})
	}
}

func errorsJoinPage(err error) error {
	return &pageError{err: err}
}

type pageError struct{ err error }

func (p *pageError) Error() string { return "page 2: " + p.err.Error() }
func (p *pageError) Unwrap() error { return p.err }

func TestErrorMessageKeepsPagePrefix(t *testing.T) {
	err := errorsJoinPage(apperrors.NewEngineExecutionError("tesseract", errors.New("boom")))
	got := errorMessage(err)
	if !strings.HasPrefix(got, "page 2: ") || !strings.Contains(got, "boom") {
		t.Fatalf("errorMessage() = %q", got)
	}
}

func TestStructureSuccess(t *testing.T) {
	llm := &fakeLLM{data: map[string]any{"invoice_number": "INV-7", "total": json.Number("12.50")}}
	h := newTestServer(t, &fakeOCR{}, llm, nil)

	form := url.Values{"text": {"Invoice INV-7 total 12.50"}, "schema": {"Invoice {invoice_number, total}"}}
	req := httptest.NewRequest(http.MethodPost, "/nlp/structure", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec, _ := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"ok":true,"data":{"invoice_number":"INV-7","total":12.50}}` {
		t.Fatalf("body = %s", got)
	}
	if llm.gotModel != "" || llm.gotSchema != "Invoice {invoice_number, total}" {
		t.Fatalf("llm got model=%q schema=%q", llm.gotModel, llm.gotSchema)
	}
}

func TestStructureMultipartWithModel(t *testing.T) {
	llm := &fakeLLM{data: []any{}}
	h := newTestServer(t, &fakeOCR{}, llm, nil)

	req := multipartRequest(t, "/nlp/structure", nil, map[string]string{"text": "t", "schema": "s", "model": "mistral"})
	rec, body := serve(h, req)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if llm.gotModel != "mistral" {
		t.Fatalf("model = %q", llm.gotModel)
	}
}

func TestStructureNullData(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{data: nil}, nil)

	req := multipartRequest(t, "/nlp/structure", nil, map[string]string{"text": "", "schema": "s"})
	rec, _ := serve(h, req)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"ok":true,"data":null}` {
		t.Fatalf("body = %s", got)
	}
}

func TestStructureLLMFailuresUseEnvelope(t *testing.T) {
	for _, err := range []error{
		apperrors.NewLLMUnreachableError("http://127.0.0.1:11434/api/chat", errors.New("connection refused")),
		apperrors.NewLLMHTTPError(500, "boom"),
		apperrors.NewLLMBadResponseError("nope", errors.New("invalid character")),
	} {
		h := newTestServer(t, &fakeOCR{}, &fakeLLM{err: err}, nil)
		rec, body := serve(h, multipartRequest(t, "/nlp/structure", nil, map[string]string{"text": "t", "schema": "s"}))
		if rec.Code != http.StatusOK {
			t.Fatalf("%v: status = %d, want 200", err, rec.Code)
		}
		if body["ok"] != false || body["error"] == "" {
			t.Fatalf("%v: body = %v", err, body)
		}
	}
}

func TestStructureMissingField(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	rec, body := serve(h, multipartRequest(t, "/nlp/structure", nil, map[string]string{"text": "t"}))
	if rec.Code != http.StatusBadRequest || body["ok"] != false {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
}

func TestStructureUnexpectedError(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{err: errors.New("kaboom")}, nil)

	rec, body := serve(h, multipartRequest(t, "/nlp/structure", nil, map[string]string{"text": "t", "schema": "s"}))
	if rec.Code != http.StatusInternalServerError || body["ok"] != false || body["error"] != "kaboom" {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
}

func TestPanicRecovery(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{panicWith: "unexpected"}, nil)

	rec, body := serve(h, multipartRequest(t, "/nlp/structure", nil, map[string]string{"text": "t", "schema": "s"}))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body["error"] != "internal server error" {
		t.Fatalf("body = %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/ocr/pdf", nil)
	req.Header.Set("Origin", "http://localhost:8501")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")

	rec, _ := serve(h, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:8501" {
		t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if rec.Header().Get("Access-Control-Allow-Headers") != "content-type" {
		t.Fatalf("allow-headers = %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec, _ := serve(h, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("origin should not be allowed")
	}
}

func TestCORSWildcard(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, func(c *ServerConfig) { c.AllowedOrigins = []string{"*"} })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://anything.example")
	rec, _ := serve(h, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://anything.example" {
		t.Fatalf("wildcard should echo the origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, &fakeOCR{}, &fakeLLM{}, nil)

	rec, _ := serve(h, httptest.NewRequest(http.MethodGet, "/ocr/image", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
