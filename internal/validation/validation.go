// Package validation provides input validation helpers and middleware for
// the fraudwatch API.
package validation

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). A transaction
// event is well under 1KB.
const MaxRequestSize = 64 << 10

// MaxIDLength bounds transaction, user, merchant and client ids.
const MaxIDLength = 128

// MaxFingerprintLength bounds device fingerprints.
const MaxFingerprintLength = 512

// idRegex allows the characters upstream systems put in ids.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks an identifier's charset and length.
func IsValidID(s string) bool {
	return len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks an optional identifier field.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '.', ':' or '-'"}
		}
		return nil
	}
}

// ValidIP checks an optional IP address field.
func ValidIP(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if net.ParseIP(strings.TrimSpace(value)) == nil {
			return &ValidationError{Field: field, Message: "must be an IPv4 or IPv6 address"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed values of the named URL parameter.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.Param(param)
		if v != "" && !IsValidID(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + param,
				"message": param + " must be 1-128 characters of letters, digits, '_', '.', ':' or '-'",
			})
			return
		}
		c.Next()
	}
}
