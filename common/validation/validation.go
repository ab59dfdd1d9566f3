// Package validation wraps a shared go-playground/validator instance that
// reports fields by their JSON names.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Issue is one failed field, shaped for dead-letter payloads and 422 bodies.
type Issue struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// Error collects every failed field of one struct.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = strings.Join(is.Loc, ".") + ": " + is.Msg
	}
	return strings.Join(parts, "; ")
}

// Get returns the singleton validator.
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Struct validates s and returns *Error on failure.
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := &Error{Issues: make([]Issue, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Issues = append(out.Issues, Issue{
			Loc:  loc(fe.Namespace()),
			Msg:  message(fe),
			Type: fe.Tag(),
		})
	}
	return out
}

// Field builds a single-issue Error for checks done outside struct tags.
func Field(name, kind, msg string) *Error {
	return &Error{Issues: []Issue{{Loc: []string{name}, Msg: msg, Type: kind}}}
}

// loc drops the root struct name from a namespace such as "Click.page_url",
// along with the names of embedded structs ("Click.Base.session_id").
func loc(namespace string) []string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	out := parts[:0]
	for _, p := range parts {
		if embedded[p] {
			continue
		}
		out = append(out, p)
	}
	return out
}

var embedded = map[string]bool{}

// RegisterEmbedded names embedded struct fields to leave out of Issue.Loc.
func RegisterEmbedded(names ...string) {
	for _, n := range names {
		embedded[n] = true
	}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
