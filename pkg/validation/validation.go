// Package validation implements the declarative field-schema validator
// used by pkg/api before any request reaches a model-service method.
// Grounded on pkg/catalog/plugin/validator.go's ValidationLayer /
// MultiLayerValidator pipeline: a Schema is an ordered list of
// FieldSchema checks, run independently and accumulated rather than
// short-circuited, so a caller sees every bad field at once.
package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/fleetops/kbmapi/pkg/models"
)

// FieldError reports one failing field, shaped for direct inclusion in
// an apierrors validation error body.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Check inspects a single field's value (nil if absent) and returns a
// non-nil *FieldError on failure.
type Check func(field string, value any) *FieldError

// FieldSchema binds a Check to a named field, with Required controlling
// whether a missing/nil value is itself an error.
type FieldSchema struct {
	Name     string
	Required bool
	Check    Check
}

// Schema is an ordered set of per-field rules, mirroring the teacher's
// []ValidationLayer slice.
type Schema []FieldSchema

// Validate runs every rule in s against input, collecting every error
// rather than stopping at the first one.
func (s Schema) Validate(input map[string]any) []FieldError {
	var errs []FieldError
	for _, fs := range s {
		v, present := input[fs.Name]
		if !present || v == nil {
			if fs.Required {
				errs = append(errs, FieldError{
					Field:   fs.Name,
					Code:    "MissingParameter",
					Message: fmt.Sprintf("%q is required", fs.Name),
				})
			}
			continue
		}
		if fs.Check == nil {
			continue
		}
		if fe := fs.Check(fs.Name, v); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

var guidRe = regexp.MustCompile(`^[0-9A-F]{32}$`)

// GUID checks a 32-digit upper-case hex PIV GUID (spec.md glossary: "guid").
func GUID(field string, value any) *FieldError {
	s, ok := value.(string)
	if !ok || !guidRe.MatchString(s) {
		return invalid(field, "must be a 32 character upper-case hex GUID")
	}
	return nil
}

// UUID checks an RFC 4122 UUID string.
func UUID(field string, value any) *FieldError {
	s, ok := value.(string)
	if !ok {
		return invalid(field, "must be a string UUID")
	}
	if _, err := uuid.Parse(s); err != nil {
		return invalid(field, "must be a valid UUID")
	}
	return nil
}

// ISO8601 checks an RFC 3339 timestamp string (the Go-idiomatic
// superset of ISO 8601 the standard library parses).
func ISO8601(field string, value any) *FieldError {
	s, ok := value.(string)
	if !ok {
		return invalid(field, "must be a string timestamp")
	}
	if _, err := parseTimeLoose(s); err != nil {
		return invalid(field, "must be an ISO 8601 timestamp")
	}
	return nil
}

// IsPresent only checks non-emptiness; used for freeform string fields
// (token, template) that carry no further shape constraint.
func IsPresent(field string, value any) *FieldError {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return invalid(field, "must not be empty")
	}
	return nil
}

// PubKeys validates the pubkeys object has at least a 9e slot, and
// that every slot present is a well-formed SSH authorized_keys line
// (spec.md §"Validation": "object with at least 9e"), using the same
// golang.org/x/crypto/ssh parser the teacher's pkg/authn packages use
// for signature-key material elsewhere in the pack.
func PubKeys(field string, value any) *FieldError {
	raw, err := json.Marshal(value)
	if err != nil {
		return invalid(field, "must be an object with at least a 9e key")
	}
	var pk models.PubKeys
	if err := json.Unmarshal(raw, &pk); err != nil {
		return invalid(field, "must be an object with at least a 9e key")
	}
	if strings.TrimSpace(pk.Slot9E) == "" {
		return invalid(field, "slot 9e is required")
	}
	for slot, line := range map[string]string{"9a": pk.Slot9A, "9d": pk.Slot9D, "9e": pk.Slot9E} {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
			return invalid(field, fmt.Sprintf("slot %s is not a valid public key", slot))
		}
	}
	return nil
}

// FieldsArray returns a Check validating value is a []any of strings
// drawn from whitelist, used for the "fields=" sparse-fieldset query
// parameter on list endpoints.
func FieldsArray(whitelist ...string) Check {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		allowed[w] = struct{}{}
	}
	return func(field string, value any) *FieldError {
		items, ok := value.([]any)
		if !ok {
			return invalid(field, "must be an array of strings")
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return invalid(field, "must be an array of strings")
			}
			if _, ok := allowed[s]; !ok {
				return invalid(field, fmt.Sprintf("%q is not a recognized field", s))
			}
		}
		return nil
	}
}

// BoundedInt returns a Check that parses value as an integer in
// [min, max], used for the Offset/Limit pagination parameters.
func BoundedInt(min, max int) Check {
	return func(field string, value any) *FieldError {
		n, ok := toInt(value)
		if !ok {
			return invalid(field, "must be an integer")
		}
		if n < min || n > max {
			return invalid(field, fmt.Sprintf("must be between %d and %d", min, max))
		}
		return nil
	}
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func invalid(field, message string) *FieldError {
	return &FieldError{Field: field, Code: "InvalidParameter", Message: fmt.Sprintf("%s %s", field, message)}
}
