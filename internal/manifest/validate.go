package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/graphdeploy/internal/graph"
	"evalgo.org/graphdeploy/models"
)

var structValidator = validator.New()

// FieldError is a single schema violation.
type FieldError struct {
	// Field is the namespaced field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`
}

// ValidationErrors collects every schema violation of a manifest.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Validate checks a manifest before it is serialized: component shapes,
// dependency and volume references, and the absence of dependency cycles.
func Validate(m *models.Manifest) error {
	if m == nil {
		return errors.New("manifest is nil")
	}

	if err := structValidator.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return toValidationErrors(verrs)
		}
		return err
	}

	names := make([]string, 0, len(m.Services))
	deps := make(map[string][]string, len(m.Services))
	var problems ValidationErrors

	for name, c := range m.Services {
		names = append(names, name)
		deps[name] = c.Dependencies()

		for _, dep := range deps[name] {
			if _, ok := m.Services[dep]; !ok {
				problems = append(problems, FieldError{
					Field:   "services." + name + ".depends_on",
					Message: fmt.Sprintf("references unknown component %q", dep),
				})
			}
		}
		for _, network := range c.Networks {
			if _, ok := m.Networks[network]; !ok {
				problems = append(problems, FieldError{
					Field:   "services." + name + ".networks",
					Message: fmt.Sprintf("references undeclared network %q", network),
				})
			}
		}
		for _, mount := range c.Volumes {
			volume, ok := namedVolume(mount)
			if !ok {
				continue
			}
			if _, declared := m.Volumes[volume]; !declared {
				problems = append(problems, FieldError{
					Field:   "services." + name + ".volumes",
					Message: fmt.Sprintf("references undeclared volume %q", volume),
				})
			}
		}
	}

	if len(problems) > 0 {
		sort.Slice(problems, func(i, j int) bool { return problems[i].Field < problems[j].Field })
		return problems
	}

	sort.Strings(names)
	if _, err := graph.StartOrder(names, deps); err != nil {
		return err
	}
	return nil
}

// namedVolume extracts the volume name from a "name:/path" mount. Bind mounts
// (absolute or relative paths) are not named volumes.
func namedVolume(mount string) (string, bool) {
	source, _, found := strings.Cut(mount, ":")
	if !found || source == "" || strings.HasPrefix(source, "/") || strings.HasPrefix(source, ".") || strings.HasPrefix(source, "~") {
		return "", false
	}
	return source, true
}

func toValidationErrors(verrs validator.ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Namespace(),
			Message: describe(fe),
		})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return fmt.Sprintf("is required when %s is not set", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "eq":
		return fmt.Sprintf("must equal %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
