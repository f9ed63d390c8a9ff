package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ValidationConfig bounds the request shapes accepted by the search/embed/
// documents/chat endpoints (§4.9).
type ValidationConfig struct {
	MaxBodySize      int64   // Maximum request body size in bytes
	MaxContentLength int     // Maximum length of a query/text/content field, in bytes
	MaxTokensLimit   int     // Maximum max_tokens that can be requested
	MinTemperature   float64 // Minimum temperature value
	MaxTemperature   float64 // Maximum temperature value
	MaxStopSequences int     // Maximum number of stop sequences
	MaxMessagesCount int     // Maximum number of chat messages in a request
}

// DefaultValidationConfig returns sensible defaults for validation.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxBodySize:      10 * 1024 * 1024, // 10MB
		MaxContentLength: 1_000_000,        // 1M characters
		MaxTokensLimit:   32000,
		MinTemperature:   0.0,
		MaxTemperature:   2.0,
		MaxStopSequences: 10,
		MaxMessagesCount: 100,
	}
}

// ValidationError represents a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	var msgs []string
	for _, err := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) Add(field, message string, value any) {
	e.Errors = append(e.Errors, ValidationError{Field: field, Message: message, Value: value})
}

func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validator provides request validation middleware for the HTTP surface.
type Validator struct {
	config ValidationConfig
}

func NewValidator(config ValidationConfig) *Validator {
	return &Validator{config: config}
}

func NewDefaultValidator() *Validator {
	return NewValidator(DefaultValidationConfig())
}

// BodySizeMiddleware rejects requests whose declared Content-Length exceeds
// the configured maximum, before the body is ever read.
func (v *Validator) BodySizeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > v.config.MaxBodySize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("request body too large: %d bytes exceeds maximum %d bytes",
					c.Request.ContentLength, v.config.MaxBodySize),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// readAndRestore reads the body for validation, then restores it so the
// handler downstream can still bind it.
func readAndRestore(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		c.Abort()
		return nil, false
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	return body, true
}

type searchValidationRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// ValidateSearchMiddleware validates POST /api/search bodies (§4.6 search()).
func (v *Validator) ValidateSearchMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readAndRestore(c)
		if !ok {
			return
		}
		var req searchValidationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			c.Abort()
			return
		}
		errs := &ValidationErrors{}
		if req.Query == "" {
			errs.Add("query", "is required", nil)
		} else if len(req.Query) > v.config.MaxContentLength {
			errs.Add("query", fmt.Sprintf("exceeds maximum length of %d bytes", v.config.MaxContentLength), len(req.Query))
		}
		if req.TopK < 0 {
			errs.Add("top_k", "must not be negative", req.TopK)
		}
		if errs.HasErrors() {
			c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs.Errors})
			c.Abort()
			return
		}
		c.Next()
	}
}

type embedValidationRequest struct {
	Text string `json:"text"`
}

// ValidateEmbedMiddleware validates POST /api/embed bodies (§4.4 Generate()).
func (v *Validator) ValidateEmbedMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readAndRestore(c)
		if !ok {
			return
		}
		var req embedValidationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			c.Abort()
			return
		}
		errs := &ValidationErrors{}
		if req.Text == "" {
			errs.Add("text", "is required", nil)
		} else if len(req.Text) > v.config.MaxContentLength {
			errs.Add("text", fmt.Sprintf("exceeds maximum length of %d bytes", v.config.MaxContentLength), len(req.Text))
		}
		if errs.HasErrors() {
			c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs.Errors})
			c.Abort()
			return
		}
		c.Next()
	}
}

type documentValidationRequest struct {
	Content  string `json:"content"`
	SourceID string `json:"source_id"`
}

// ValidateDocumentMiddleware validates POST /api/documents bodies (§4.7 embed()).
func (v *Validator) ValidateDocumentMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readAndRestore(c)
		if !ok {
			return
		}
		var req documentValidationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			c.Abort()
			return
		}
		errs := &ValidationErrors{}
		if req.Content == "" {
			errs.Add("content", "is required", nil)
		} else if len(req.Content) > v.config.MaxContentLength {
			errs.Add("content", fmt.Sprintf("exceeds maximum length of %d bytes", v.config.MaxContentLength), len(req.Content))
		}
		if req.SourceID == "" {
			errs.Add("source_id", "is required", nil)
		}
		if errs.HasErrors() {
			c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs.Errors})
			c.Abort()
			return
		}
		c.Next()
	}
}

type chatValidationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatValidationRequest struct {
	Messages    []chatValidationMessage `json:"messages"`
	Temperature *float64                `json:"temperature"`
	MaxTokens   *int                    `json:"max_tokens"`
	Stop        []string                `json:"stop"`
}

var validChatRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// ValidateChatMiddleware validates POST /api/chat bodies (§4.5 Chat()).
func (v *Validator) ValidateChatMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readAndRestore(c)
		if !ok {
			return
		}
		var req chatValidationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
			c.Abort()
			return
		}
		errs := &ValidationErrors{}
		if len(req.Messages) == 0 {
			errs.Add("messages", "is required", nil)
		}
		if len(req.Messages) > v.config.MaxMessagesCount {
			errs.Add("messages", fmt.Sprintf("exceeds maximum of %d messages", v.config.MaxMessagesCount), len(req.Messages))
		}
		for i, msg := range req.Messages {
			if msg.Role == "" {
				errs.Add(fmt.Sprintf("messages[%d].role", i), "is required", nil)
			} else if !validChatRoles[msg.Role] {
				errs.Add(fmt.Sprintf("messages[%d].role", i), fmt.Sprintf("invalid role '%s'", msg.Role), msg.Role)
			}
			if msg.Content == "" {
				errs.Add(fmt.Sprintf("messages[%d].content", i), "is required", nil)
			}
		}
		if req.Temperature != nil && (*req.Temperature < v.config.MinTemperature || *req.Temperature > v.config.MaxTemperature) {
			errs.Add("temperature", fmt.Sprintf("must be between %.1f and %.1f", v.config.MinTemperature, v.config.MaxTemperature), *req.Temperature)
		}
		if req.MaxTokens != nil && (*req.MaxTokens <= 0 || *req.MaxTokens > v.config.MaxTokensLimit) {
			errs.Add("max_tokens", fmt.Sprintf("must be between 1 and %d", v.config.MaxTokensLimit), *req.MaxTokens)
		}
		if len(req.Stop) > v.config.MaxStopSequences {
			errs.Add("stop", fmt.Sprintf("exceeds maximum of %d stop sequences", v.config.MaxStopSequences), len(req.Stop))
		}
		if errs.HasErrors() {
			c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error(), "details": errs.Errors})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireContentType requires one of the given content types, except for GET.
func RequireContentType(contentTypes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ct := c.ContentType()
		if ct == "" && c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		for _, allowed := range contentTypes {
			if strings.HasPrefix(ct, allowed) {
				c.Next()
				return
			}
		}
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": fmt.Sprintf("unsupported content type '%s', expected one of: %s", ct, strings.Join(contentTypes, ", ")),
		})
		c.Abort()
	}
}

// RequireJSON requires an application/json content type for POST/PUT/PATCH requests.
func RequireJSON() gin.HandlerFunc {
	return RequireContentType("application/json")
}

// GetConfig returns the current validation config.
func (v *Validator) GetConfig() ValidationConfig {
	return v.config
}
