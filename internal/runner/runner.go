// Package runner implements the Scenario Runner component: the per-test
// state machine that loads fields, drives each step in order, evaluates
// responses, and always emits exactly one test-level outcome even on
// early failure.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webpoller/engine/internal/driver"
	"github.com/webpoller/engine/internal/evaluator"
	"github.com/webpoller/engine/internal/fieldloader"
	"github.com/webpoller/engine/internal/headerasm"
	"github.com/webpoller/engine/internal/macro"
	"github.com/webpoller/engine/internal/metrics"
	"github.com/webpoller/engine/internal/urlcompose"
	"github.com/webpoller/engine/internal/varsubst"
	"github.com/webpoller/engine/pkg/models"
)

// DefaultInterval is used as the next-poll delay whenever a test's delay
// string fails to parse.
const DefaultInterval = 60 * time.Second

// Runner executes one test at a time. IsRunning is polled between
// suspension points so a shutdown can interrupt a step loop gracefully
// (§5) — nil means "always running."
type Runner struct {
	Resolver  macro.Resolver
	Items     metrics.ItemResolver
	Emitter   *metrics.Emitter
	IsRunning func() bool
	Now       func() time.Time
}

// New returns a Runner with an always-true IsRunning and time.Now clock.
func New(resolver macro.Resolver, items metrics.ItemResolver, emitter *metrics.Emitter) *Runner {
	return &Runner{
		Resolver:  resolver,
		Items:     items,
		Emitter:   emitter,
		IsRunning: func() bool { return true },
		Now:       time.Now,
	}
}

// RunTest executes test end-to-end per the §4.7 state machine and
// returns the single TestResult tuple. It never panics the caller: every
// error funnels into result.LastError.
func (r *Runner) RunTest(ctx context.Context, test models.HttpTest) models.TestResult {
	traceID := uuid.NewString()
	log := slog.With("trace_id", traceID, "test", test.Name, "host", test.Host)

	delaySeconds, delayErr := ParseDelay(test.Delay)
	if delayErr != nil {
		log.Warn("invalid test delay", "delay", test.Delay, "error", delayErr)
		result := models.TestResult{
			Test:           test,
			LastFailedStep: models.LastFailedStepNotStarted,
			LastError:      fmt.Sprintf("update interval %q is invalid", test.Delay),
		}
		r.Emitter.EmitTest(r.Items, result, r.Now())
		return result
	}
	_ = delaySeconds // resolved delay is reported to the scheduler by the caller via ParseDelay

	testFields, err := fieldloader.LoadTestFields(r.Resolver, test.HostID, test.Fields)
	if err != nil {
		log.Warn("failed to load test fields", "error", err)
		return r.finish(test, 1, err.Error(), nil)
	}

	session, err := driver.NewSession(test, test.H2C)
	if err != nil {
		log.Warn("failed to open driver session", "error", err)
		return r.finish(test, 1, err.Error(), nil)
	}

	var stepResults []models.StepResult
	lastFailedStep := 0
	lastError := ""

step_loop:
	for _, step := range test.Steps {
		if r.IsRunning != nil && !r.IsRunning() {
			break step_loop
		}

		result, emitted, err := r.runStep(ctx, session, test, step, testFields, log)
		if emitted {
			stepResults = append(stepResults, result)
		}
		if err != nil {
			lastFailedStep = step.No
			lastError = err.Error()
			break step_loop
		}

		if r.IsRunning != nil && !r.IsRunning() {
			break step_loop
		}
	}

	return r.finish(test, lastFailedStep, lastError, stepResults)
}

func (r *Runner) runStep(ctx context.Context, session *driver.Session, test models.HttpTest, step models.HttpStep, testFields fieldloader.TestFields, log *slog.Logger) (models.StepResult, bool, error) {
	testVars := testFields.Variables
	stepFields, err := fieldloader.LoadStepFields(r.Resolver, test.HostID, step.Fields, testVars)
	if err != nil {
		return models.StepResult{Step: step}, false, fmt.Errorf("loading step fields: %w", err)
	}

	rawURL, err := r.Resolver.Substitute(step.URL, test.HostID, macro.Unmasked)
	if err != nil {
		return models.StepResult{Step: step}, false, fmt.Errorf("expanding macros in url: %w", err)
	}
	rawURL = varsubst.Expand(rawURL, stepFields.Variables, testVars)

	composedURL, err := urlcompose.Compose(rawURL, stepFields.QueryFields)
	if err != nil {
		return models.StepResult{Step: step}, false, err
	}

	headers := stepFields.Headers
	if len(headers) == 0 {
		// Step-scope headers completely override test-scope ones; only
		// fall back to test-scope when the step declared none at all. Use
		// the already macro/variable-expanded test-scope headers computed
		// once in RunTest — re-deriving from raw test.Fields here would
		// skip that expansion entirely.
		headers = testFields.Headers
	}
	assembled := headerasm.Assemble(headers)

	timeout, err := driver.ParseTimeout(step.Timeout)
	if err != nil {
		return models.StepResult{Step: step}, false, fmt.Errorf("step timeout: %w", err)
	}

	body, err := r.buildBody(step, stepFields, test, testVars)
	if err != nil {
		return models.StepResult{Step: step}, false, err
	}

	required, err := r.expandTemplate(step.Required, test.HostID, stepFields.Variables, testVars)
	if err != nil {
		return models.StepResult{Step: step}, false, err
	}
	statusCodes, err := r.expandTemplate(step.StatusCodes, test.HostID, stepFields.Variables, testVars)
	if err != nil {
		return models.StepResult{Step: step}, false, err
	}
	evalStep := step
	evalStep.Required = required
	evalStep.StatusCodes = statusCodes

	perfResult, err := session.Perform(ctx, driver.Request{
		URL:          composedURL,
		Headers:      assembled.Headers,
		Cookie:       assembled.Cookie,
		Body:         body,
		Timeout:      timeout,
		RetrieveMode: step.RetrieveMode,
		Redirects:    step.FollowRedirects,
	})
	if err != nil {
		return models.StepResult{Step: step}, false, fmt.Errorf("performing step %q: %w", step.Name, err)
	}

	stats := models.StepStats{
		ResponseCode:  perfResult.ResponseCode,
		TotalTime:     perfResult.TotalTime,
		SpeedDownload: perfResult.SpeedDownload,
		SpeedValid:    true,
	}

	evalErr := evaluator.Evaluate(perfResult.ResponseCode, perfResult.Body, evalStep, composedURL, testVars, stepFields.Variables)

	result := models.StepResult{Step: step, Stats: stats, Err: evalErr}
	r.Emitter.EmitStep(r.Items, test.HostID, result, r.Now())

	if evalErr != nil {
		log.Warn("step evaluation failed", "step", step.Name, "no", step.No, "error", evalErr)
		return result, true, evalErr
	}
	return result, true, nil
}

func (r *Runner) expandTemplate(raw string, hostID int64, stepVars, testVars *models.VariableScope) (string, error) {
	if raw == "" {
		return "", nil
	}
	expanded, err := r.Resolver.Substitute(raw, hostID, macro.Unmasked)
	if err != nil {
		return "", fmt.Errorf("expanding macros: %w", err)
	}
	return varsubst.Expand(expanded, stepVars, testVars), nil
}

func (r *Runner) buildBody(step models.HttpStep, stepFields fieldloader.StepFields, test models.HttpTest, testVars *models.VariableScope) (string, error) {
	switch step.PostType {
	case models.PostForm:
		var sb strings.Builder
		for i, p := range stepFields.PostFields {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(p.Key)
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
		return sb.String(), nil
	default: // raw
		if step.PostFields == "" {
			return "", nil
		}
		return r.expandTemplate(step.PostFields, test.HostID, stepFields.Variables, testVars)
	}
}

func (r *Runner) finish(test models.HttpTest, lastFailedStep int, lastError string, stepResults []models.StepResult) models.TestResult {
	speed := meanSpeed(stepResults)
	result := models.TestResult{
		Test:           test,
		Speed:          speed,
		LastFailedStep: lastFailedStep,
		LastError:      lastError,
		StepResults:    stepResults,
	}
	r.Emitter.EmitTest(r.Items, result, r.Now())
	return result
}

func meanSpeed(results []models.StepResult) float64 {
	var sum float64
	var count int
	for _, r := range results {
		if r.Stats.SpeedValid {
			sum += r.Stats.SpeedDownload
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// ParseDelay resolves a "<n>s|m|h" style delay string (a bare number
// means seconds) to a time.Duration. An
// out-of-range or malformed delay is a hard error per §4.7; callers
// should fall back to DefaultInterval for the next requeue.
func ParseDelay(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty delay")
	}
	unit := time.Second
	numPart := raw
	switch raw[len(raw)-1] {
	case 's':
		numPart = raw[:len(raw)-1]
	case 'm':
		unit = time.Minute
		numPart = raw[:len(raw)-1]
	case 'h':
		unit = time.Hour
		numPart = raw[:len(raw)-1]
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid delay %q", raw)
	}
	return time.Duration(n) * unit, nil
}
