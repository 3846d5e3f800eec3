package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse is the error envelope returned for invalid requests.
type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details"`
}

// Decode reads a JSON request body into dst. It enforces a max body size and
// disallows unknown fields. Returns an error suitable for display to the client.
func Decode(r *http.Request, dst any) error {
	const maxBody = 1 << 20 // 1 MiB

	body := http.MaxBytesReader(nil, r.Body, maxBody)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			return fmt.Errorf("request body too large (max 1 MiB)")
		case errors.Is(err, io.EOF):
			return fmt.Errorf("request body is empty")
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}

	// Reject trailing data after the first JSON value.
	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

// Validate runs struct-tag validation on v and returns field-level errors.
// It understands the `validate:"..."` tag vocabulary this codebase actually
// uses (required, min, max, gte, lte, oneof, email, uuid, url, omitempty) by
// walking the struct with reflect rather than pulling in a validation
// library — the request bodies in scope here are small and this is the
// entire rule set they need. At most one error is reported per field: once a
// rule fails, later rules on that field are skipped, since they're usually
// meaningless once the field is already known-bad (e.g. don't also report
// "oneof" once "required" has already failed).
func Validate(v any) []ValidationError {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	var out []ValidationError
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("validate")
		if tag == "" {
			continue
		}
		fieldVal := rv.Field(i)
		rules := strings.Split(tag, ",")

		if containsRule(rules, "omitempty") && fieldVal.IsZero() {
			continue
		}

		for _, rule := range rules {
			if rule == "" || rule == "omitempty" {
				continue
			}
			name, param, _ := strings.Cut(rule, "=")
			if msg := checkRule(fieldVal, name, param); msg != "" {
				out = append(out, ValidationError{
					Field:   toSnakeCase(field.Name),
					Message: msg,
				})
				break
			}
		}
	}
	return out
}

func containsRule(rules []string, want string) bool {
	for _, r := range rules {
		if r == want {
			return true
		}
	}
	return false
}

// checkRule evaluates a single validation rule against a field's value and
// returns a human-readable message on failure, or "" on success.
func checkRule(v reflect.Value, rule, param string) string {
	switch rule {
	case "required":
		if v.IsZero() {
			return "this field is required"
		}
	case "email":
		if v.Kind() == reflect.String && v.String() != "" {
			if _, err := mail.ParseAddress(v.String()); err != nil {
				return "must be a valid email address"
			}
		}
	case "uuid":
		if v.Kind() == reflect.String && v.String() != "" {
			if _, err := uuid.Parse(v.String()); err != nil {
				return "must be a valid UUID"
			}
		}
	case "url":
		if v.Kind() == reflect.String && v.String() != "" {
			u, err := url.ParseRequestURI(v.String())
			if err != nil || u.Scheme == "" || u.Host == "" {
				return "must be a valid URL"
			}
		}
	case "min":
		n, _ := strconv.ParseFloat(param, 64)
		if numericLen(v) < n {
			return fmt.Sprintf("must be at least %s", param)
		}
	case "max":
		n, _ := strconv.ParseFloat(param, 64)
		if numericLen(v) > n {
			return fmt.Sprintf("must be at most %s", param)
		}
	case "gte":
		n, _ := strconv.ParseFloat(param, 64)
		if numericValue(v) < n {
			return fmt.Sprintf("must be greater than or equal to %s", param)
		}
	case "lte":
		n, _ := strconv.ParseFloat(param, 64)
		if numericValue(v) > n {
			return fmt.Sprintf("must be less than or equal to %s", param)
		}
	case "oneof":
		if v.Kind() == reflect.String {
			for _, opt := range strings.Fields(param) {
				if opt == v.String() {
					return ""
				}
			}
			return fmt.Sprintf("must be one of: %s", param)
		}
	}
	return ""
}

// numericLen returns a length-like measure for min/max: string length for
// strings, numeric value for numbers.
func numericLen(v reflect.Value) float64 {
	if v.Kind() == reflect.String {
		return float64(len(v.String()))
	}
	return numericValue(v)
}

func numericValue(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	case reflect.Float32, reflect.Float64:
		return v.Float()
	default:
		return 0
	}
}

// DecodeAndValidate is a convenience helper that decodes a JSON body and
// validates the result. On failure it writes a 400 response and returns false.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := Decode(r, dst); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}

	if errs := Validate(dst); len(errs) > 0 {
		RespondValidationError(w, errs)
		return false
	}

	return true
}

// RespondValidationError writes a 422 response with field-level validation errors.
func RespondValidationError(w http.ResponseWriter, errs []ValidationError) {
	Respond(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
		Error:   "validation_error",
		Message: "one or more fields failed validation",
		Details: errs,
	})
}

// toSnakeCase converts PascalCase/camelCase to snake_case.
func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + 32)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
