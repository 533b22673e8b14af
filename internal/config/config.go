/**
 * Configuration for the OCR API
 *
 * Loads configuration from environment variables (optionally seeded from a
 * dotenv file by cmd/server).
 */

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds service configuration
type Config struct {
	// HTTP server
	HTTPAddr       string
	AllowedOrigins []string

	// Tesseract configuration
	TesseractPath  string // empty means resolve from PATH / platform defaults
	TessdataPrefix string
	OCRBackend     string // "cli" or "gosseract"

	// Preprocessing
	BinarizeMethod string // "otsu" or "fixed"

	// PDF rasterization
	PdftoppmPath string
	RasterDPI    int
	TempDir      string

	// Defaults for OCR form fields
	DefaultLang string
	DefaultPSM  int
	DefaultOEM  int

	// Pipeline behaviour
	PartialResults    bool
	ProcessingTimeout int   // milliseconds
	MaxFileSize       int64 // bytes

	// Ollama configuration
	OllamaBaseURL  string
	OllamaModel    string
	LLMTimeout     int // seconds
	LLMTemperature float64

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          getEnvOrDefault("HTTP_ADDR", ":8000"),
		AllowedOrigins:    getEnvAsListOrDefault("CORS_ALLOWED_ORIGINS", []string{"http://localhost:8501", "http://127.0.0.1:8501", "*"}),
		TesseractPath:     getEnvOrDefault("TESSERACT_PATH", ""),
		TessdataPrefix:    getEnvOrDefault("TESSDATA_PREFIX", ""),
		OCRBackend:        getEnvOrDefault("OCR_BACKEND", "cli"),
		BinarizeMethod:    getEnvOrDefault("BINARIZE_METHOD", "otsu"),
		PdftoppmPath:      getEnvOrDefault("PDFTOPPM_PATH", "pdftoppm"),
		RasterDPI:         getEnvAsIntOrDefault("PDF_DPI", 300),
		TempDir:           getEnvOrDefault("TEMP_DIR", os.TempDir()),
		DefaultLang:       getEnvOrDefault("OCR_DEFAULT_LANG", "eng"),
		DefaultPSM:        getEnvAsIntOrDefault("OCR_DEFAULT_PSM", 3),
		DefaultOEM:        getEnvAsIntOrDefault("OCR_DEFAULT_OEM", 3),
		PartialResults:    getEnvAsBoolOrDefault("OCR_PARTIAL_RESULTS", false),
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800),  // 50MB
		OllamaBaseURL:     getEnvOrDefault("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
		OllamaModel:       getEnvOrDefault("OLLAMA_MODEL", "llama3.1"),
		LLMTimeout:        getEnvAsIntOrDefault("LLM_TIMEOUT", 120),
		LLMTemperature:    getEnvAsFloatOrDefault("LLM_TEMPERATURE", 0.0),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "json"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}

	if c.OCRBackend != "cli" && c.OCRBackend != "gosseract" {
		return fmt.Errorf("OCR_BACKEND must be \"cli\" or \"gosseract\", got %q", c.OCRBackend)
	}

	if c.BinarizeMethod != "otsu" && c.BinarizeMethod != "fixed" {
		return fmt.Errorf("BINARIZE_METHOD must be \"otsu\" or \"fixed\", got %q", c.BinarizeMethod)
	}

	if c.PdftoppmPath == "" {
		return fmt.Errorf("PDFTOPPM_PATH must not be empty")
	}

	if c.RasterDPI < 72 || c.RasterDPI > 1200 {
		return fmt.Errorf("PDF_DPI must be between 72 and 1200, got %d", c.RasterDPI)
	}

	if strings.TrimSpace(c.DefaultLang) == "" {
		return fmt.Errorf("OCR_DEFAULT_LANG must not be empty")
	}

	if c.DefaultPSM < 0 || c.DefaultPSM > 13 {
		return fmt.Errorf("OCR_DEFAULT_PSM must be between 0 and 13, got %d", c.DefaultPSM)
	}

	if c.DefaultOEM < 0 || c.DefaultOEM > 3 {
		return fmt.Errorf("OCR_DEFAULT_OEM must be between 0 and 3, got %d", c.DefaultOEM)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	u, err := url.Parse(c.OllamaBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("OLLAMA_BASE_URL must be an absolute URL, got %q", c.OllamaBaseURL)
	}

	if c.OllamaModel == "" {
		return fmt.Errorf("OLLAMA_MODEL must not be empty")
	}

	if c.LLMTimeout < 1 {
		return fmt.Errorf("LLM_TIMEOUT must be at least 1 second, got %d", c.LLMTimeout)
	}

	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 2, got %v", c.LLMTemperature)
	}

	return nil
}

// ProcessingTimeoutDuration returns the OCR request budget
func (c *Config) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// LLMTimeoutDuration returns the LLM request timeout
func (c *Config) LLMTimeoutDuration() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma-separated variable, dropping empty items
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
