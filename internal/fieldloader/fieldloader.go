// Package fieldloader implements the Field Loader component: reading a
// test's or step's Field rows from the config store, macro-expanding and
// variable-substituting each one, classifying it into the right output
// vector, and form-urlencoding query/post fields.
package fieldloader

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/webpoller/engine/internal/macro"
	"github.com/webpoller/engine/internal/varsubst"
	"github.com/webpoller/engine/pkg/models"
)

// TestFields is the Field Loader's output for a test-level load.
type TestFields struct {
	Headers   []models.OrderedPair
	Variables *models.VariableScope
}

// StepFields is the Field Loader's output for a step-level load.
type StepFields struct {
	Headers     []models.OrderedPair
	Variables   *models.VariableScope
	QueryFields []models.OrderedPair
	PostFields  []models.OrderedPair
}

// LoadTestFields classifies test-scoped fields into headers and
// variables. hostID selects the host-scoped macro substitution; the
// returned Variables scope accumulates as fields are processed, so a
// later field in field-id order can already see an earlier variable.
func LoadTestFields(resolver macro.Resolver, hostID int64, fields []models.Field) (TestFields, error) {
	out := TestFields{Variables: models.NewVariableScope()}

	for _, f := range fields {
		value, err := resolver.Substitute(f.Value, hostID, macro.Unmasked)
		if err != nil {
			return TestFields{}, fmt.Errorf("expanding macros in field %q: %w", f.Name, err)
		}

		switch f.Type {
		case models.FieldVariable:
			// Variable keys are never macro- or variable-expanded; only
			// the value passed through unmasked macro expansion above.
			out.Variables.Set(f.Name, value)
		case models.FieldHeader:
			key, val, err := expandKeyValue(resolver, hostID, f.Name, value, out.Variables, nil)
			if err != nil {
				return TestFields{}, err
			}
			out.Headers = append(out.Headers, models.OrderedPair{Key: key, Value: val})
		default:
			return TestFields{}, fmt.Errorf("unsupported field type %q at test scope", f.Type)
		}
	}
	return out, nil
}

// LoadStepFields classifies step-scoped fields into headers, variables,
// query fields, and post fields. testVars is the test-scope variable
// scope, visible as a fallback for value substitution; the returned
// Variables scope is step-scoped and starts empty.
func LoadStepFields(resolver macro.Resolver, hostID int64, fields []models.Field, testVars *models.VariableScope) (StepFields, error) {
	out := StepFields{Variables: models.NewVariableScope()}

	for _, f := range fields {
		value, err := resolver.Substitute(f.Value, hostID, macro.Unmasked)
		if err != nil {
			return StepFields{}, fmt.Errorf("expanding macros in field %q: %w", f.Name, err)
		}

		switch f.Type {
		case models.FieldVariable:
			out.Variables.Set(f.Name, value)
		case models.FieldHeader:
			key, val, err := expandKeyValue(resolver, hostID, f.Name, value, out.Variables, testVars)
			if err != nil {
				return StepFields{}, err
			}
			out.Headers = append(out.Headers, models.OrderedPair{Key: key, Value: val})
		case models.FieldQueryField:
			key, val, err := expandKeyValue(resolver, hostID, f.Name, value, out.Variables, testVars)
			if err != nil {
				return StepFields{}, err
			}
			out.QueryFields = append(out.QueryFields, models.OrderedPair{
				Key:   strings.ReplaceAll(url.QueryEscape(key), "+", "%20"),
				Value: strings.ReplaceAll(url.QueryEscape(val), "+", "%20"),
			})
		case models.FieldPostField:
			key, val, err := expandKeyValue(resolver, hostID, f.Name, value, out.Variables, testVars)
			if err != nil {
				return StepFields{}, err
			}
			out.PostFields = append(out.PostFields, models.OrderedPair{
				Key:   strings.ReplaceAll(url.QueryEscape(key), "+", "%20"),
				Value: strings.ReplaceAll(url.QueryEscape(val), "+", "%20"),
			})
		default:
			return StepFields{}, fmt.Errorf("unsupported field type %q at step scope", f.Type)
		}
	}
	return out, nil
}

// expandKeyValue applies masked macro expansion to the key (secrets stay
// redacted, since keys may end up in log paths) and variable
// substitution to both key and value.
func expandKeyValue(resolver macro.Resolver, hostID int64, key, value string, scope, fallback *models.VariableScope) (string, string, error) {
	maskedKey, err := resolver.Substitute(key, hostID, macro.Masked)
	if err != nil {
		return "", "", fmt.Errorf("expanding macros in field name %q: %w", key, err)
	}
	k := varsubst.Expand(maskedKey, scope, fallback)
	v := varsubst.Expand(value, scope, fallback)
	return k, v, nil
}
