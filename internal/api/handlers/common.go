// Package handlers provides the HTTP request handlers of the portsweep API.
// This file contains the response and request helpers shared by all handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/portsweep/internal/api/middleware"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
)

// defaultMaxRequestSize bounds JSON request bodies when no limit is configured.
const defaultMaxRequestSize = 1 << 20

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ListResponse wraps list results with their total.
type ListResponse struct {
	Data  interface{} `json:"data"`
	Total int64       `json:"total"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}
	writeJSON(w, r, statusCode, response)
}

// statusForError maps error codes onto HTTP status codes.
func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation, errors.CodeTargetInvalid:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case errors.CodeServiceUnavailable, errors.CodeDatabaseConnection:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout, errors.CodeServiceTimeout, errors.CodeDatabaseTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleServiceError writes err with the status its code maps to. Server
// side failures are logged; client errors are not.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, operation string, logger *logging.Logger) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Failed to "+operation,
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
	writeError(w, r, status, err)
}

// parseJSON decodes a size-limited JSON body into dest.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}, maxSize int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NewValidationError("body", "", "request body is empty")
	}
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.NewValidationError("body", "", fmt.Sprintf("request body too large (max %d bytes)", maxSize))
		}
		return &errors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error(), Cause: err}
	}
	return nil
}

// validateStruct runs validator tags and converts the first failure into a
// ValidationError naming the JSON field.
func validateStruct(v *validator.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &errors.ValidationError{Field: "request", Message: err.Error(), Cause: err}
	}

	fe := fieldErrs[0]
	field := jsonFieldName(fe.Field())
	msg := fmt.Sprintf("%s failed %q validation", field, fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s failed %q validation (%s)", field, fe.Tag(), fe.Param())
	}
	return &errors.ValidationError{Field: field, Message: msg, Cause: err}
}

// newValidator returns a validator that reports JSON field names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func jsonFieldName(name string) string {
	if name == "" {
		return "request"
	}
	return name
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError(key, raw, "must be an integer")
	}
	return n, nil
}
