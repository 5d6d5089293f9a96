// Package validation provides input validation for the Soko Pay API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	// msisdnRegex matches a Kenyan mobile number in international form.
	msisdnRegex  = regexp.MustCompile(`^254[0-9]{9}$`)
	orderIDRegex = regexp.MustCompile(`^SP[0-9A-F]{12}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidMSISDN reports whether phone is a 254XXXXXXXXX number.
func IsValidMSISDN(phone string) bool {
	return msisdnRegex.MatchString(phone)
}

// NormalizeMSISDN rewrites the common local forms (07.., 01.., +254..) to
// 254XXXXXXXXX. Input it does not recognize is returned trimmed.
func NormalizeMSISDN(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.NewReplacer(" ", "", "-", "").Replace(p)
	switch {
	case strings.HasPrefix(p, "+254"):
		return p[1:]
	case len(p) == 10 && strings.HasPrefix(p, "0"):
		return "254" + p[1:]
	}
	return p
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return s
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

// Length checks that a trimmed field has between min and max characters.
// max <= 0 means unbounded.
func Length(field, value string, min, max int) func() *ValidationError {
	return func() *ValidationError {
		n := utf8.RuneCountInString(strings.TrimSpace(value))
		if n < min {
			return &ValidationError{Field: field, Message: "is too short"}
		}
		if max > 0 && n > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidMSISDN checks a Kenyan phone number.
func ValidMSISDN(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidMSISDN(value) {
			return &ValidationError{Field: field, Message: "must be a Kenyan number in the form 254XXXXXXXXX"}
		}
		return nil
	}
}

// Positive checks that a numeric field is greater than zero.
func Positive(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ValidCoordinates checks an optional latitude/longitude pair. Both must be
// present or both absent.
func ValidCoordinates(field string, lat, lon *float64) func() *ValidationError {
	return func() *ValidationError {
		if lat == nil && lon == nil {
			return nil
		}
		if lat == nil || lon == nil {
			return &ValidationError{Field: field, Message: "latitude and longitude must be provided together"}
		}
		if *lat < -90 || *lat > 90 {
			return &ValidationError{Field: field, Message: "latitude must be between -90 and 90"}
		}
		if *lon < -180 || *lon > 180 {
			return &ValidationError{Field: field, Message: "longitude must be between -180 and 180"}
		}
		return nil
	}
}

// OrderIDParamMiddleware rejects malformed :id URL parameters early.
func OrderIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !orderIDRegex.MatchString(id) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.Next()
	}
}
