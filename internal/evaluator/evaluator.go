// Package evaluator implements the Response Evaluator component:
// status-code list membership, required-pattern regex matching, and
// variable extraction from a response body into the scenario's variable
// scopes.
package evaluator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/webpoller/engine/internal/xmlhelper"
	"github.com/webpoller/engine/pkg/models"
)

// Evaluate runs the four checks of the Response Evaluator in order,
// returning at the first failure the way the original's error-funneling
// policy requires; it is a caller error to invoke this when the driver
// did not return OK.
func Evaluate(responseCode int64, body []byte, step models.HttpStep, url string, testVars, stepVars *models.VariableScope) error {
	if err := checkStatusCode(responseCode, step.StatusCodes); err != nil {
		return err
	}
	if err := checkRequiredPattern(body, step.Required, url); err != nil {
		return err
	}
	if err := extractInto(testVars, body); err != nil {
		return fmt.Errorf("error in scenario variables %q: %w", describe(testVars), err)
	}
	if err := extractInto(stepVars, body); err != nil {
		return fmt.Errorf("error in step variables %q: %w", describe(stepVars), err)
	}
	return nil
}

// checkStatusCode validates membership in a comma/range list such as
// "200,301-304"; an empty list accepts any code.
func checkStatusCode(code int64, list string) error {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := parseRange(part); ok {
			if code >= lo && code <= hi {
				return nil
			}
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil && n == code {
			return nil
		}
	}
	return fmt.Errorf("response code %q did not match any of the required status codes %q", strconv.FormatInt(code, 10), list)
}

func parseRange(part string) (lo, hi int64, ok bool) {
	idx := strings.IndexByte(part, '-')
	if idx <= 0 || idx == len(part)-1 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseInt(part[:idx], 10, 64)
	hi, err2 := strconv.ParseInt(part[idx+1:], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// checkRequiredPattern fails if pattern is non-empty and does not match
// body. The pattern is compiled on every call; nothing caches the
// compiled form between evaluations.
func checkRequiredPattern(body []byte, pattern, url string) error {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid required pattern %q: %w", pattern, err)
	}
	if !re.Match(body) {
		return fmt.Errorf("required pattern %q was not found on %s", pattern, url)
	}
	return nil
}

// extractInto re-evaluates every variable currently bound in scope whose
// value looks like an extraction expression (see classify) against body,
// overwriting the bound value with the extracted one. Plain literal
// values are left untouched.
func extractInto(scope *models.VariableScope, body []byte) error {
	if scope == nil {
		return nil
	}
	for _, p := range scope.Pairs() {
		extracted, isExpr, err := extractOne(p.Value, body)
		if err != nil {
			return fmt.Errorf("%s: %w", p.Key, err)
		}
		if isExpr {
			scope.Set(p.Key, extracted)
		}
	}
	return nil
}

// extractOne interprets value as one of: a JSONPath expression
// (prefixed "json:"), an XPath expression (prefixed "xpath:"), a regex
// capture expression (prefixed "regex:", using the first capture group),
// or — with no recognized sigil — a literal that is returned unchanged.
func extractOne(value string, body []byte) (result string, isExpr bool, err error) {
	switch {
	case strings.HasPrefix(value, "json:"):
		path := strings.TrimPrefix(value, "json:")
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			return "", true, fmt.Errorf("json path %q not found", path)
		}
		return res.String(), true, nil

	case strings.HasPrefix(value, "xpath:"):
		expr := strings.TrimPrefix(value, "xpath:")
		res, err := xmlhelper.Query(string(body), expr)
		if err != nil {
			return "", true, err
		}
		return res, true, nil

	case strings.HasPrefix(value, "regex:"):
		pattern := strings.TrimPrefix(value, "regex:")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", true, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		m := re.FindSubmatch(body)
		if m == nil {
			return "", true, fmt.Errorf("regex %q did not match", pattern)
		}
		if len(m) > 1 {
			return string(m[1]), true, nil
		}
		return string(m[0]), true, nil

	default:
		return value, false, nil
	}
}

func describe(scope *models.VariableScope) string {
	if scope == nil {
		return ""
	}
	var sb strings.Builder
	for i, p := range scope.Pairs() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p.Key)
		sb.WriteByte('=')
		sb.WriteString(p.Value)
	}
	return sb.String()
}
