package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpoller/engine/internal/macro"
	"github.com/webpoller/engine/internal/metrics"
	"github.com/webpoller/engine/internal/sink"
	"github.com/webpoller/engine/pkg/models"
)

// allEligibleResolver binds every parent id to one item of each of the
// five kinds, all eligible; the emitter only emits the kinds it has a
// value for (rspcode/time/speed for steps, speed/laststep/lasterror for
// tests), so every emission test case can assert on a predictable count.
type allEligibleResolver struct{}

func (allEligibleResolver) Bindings(parentID int64) []models.ItemBinding {
	return []models.ItemBinding{
		{Kind: "rspcode", ItemID: parentID*10 + 1},
		{Kind: "time", ItemID: parentID*10 + 2},
		{Kind: "speed", ItemID: parentID*10 + 3},
		{Kind: "laststep", ItemID: parentID*10 + 4},
		{Kind: "lasterror", ItemID: parentID*10 + 5},
	}
}
func (allEligibleResolver) Eligible(int64) bool { return true }

func newTestRunner(mem *sink.Memory) *Runner {
	emitter := metrics.NewEmitter(mem, nil)
	return New(macro.Identity{}, allEligibleResolver{}, emitter)
}

func TestRunTestSimpleGETSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		Steps: []models.HttpStep{
			{ID: 1, No: 1, Name: "ok", URL: srv.URL, Timeout: "5", StatusCodes: "200", Required: "hello"},
		},
	}

	result := r.RunTest(context.Background(), test)
	require.Empty(t, result.LastError)
	assert.Equal(t, 0, result.LastFailedStep)
	require.Len(t, result.StepResults, 1)
	assert.EqualValues(t, http.StatusOK, result.StepResults[0].Stats.ResponseCode)
}

func TestRunTestStatusCodeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		Steps: []models.HttpStep{
			{ID: 1, No: 1, Name: "bad-status", URL: srv.URL, Timeout: "5", StatusCodes: "201,301-399"},
		},
	}

	result := r.RunTest(context.Background(), test)
	assert.Equal(t, 1, result.LastFailedStep)
	assert.Equal(t, `response code "200" did not match any of the required status codes "201,301-399"`, result.LastError)
	require.Len(t, result.StepResults, 1, "rspcode must still be emitted on a failing step")
	assert.EqualValues(t, http.StatusOK, result.StepResults[0].Stats.ResponseCode)
}

func TestRunTestTwoStepVariableCapture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.Write([]byte("token=abc123"))
		case "/profile":
			assert.Contains(t, r.URL.RawQuery, "abc123")
			w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		// TOKEN is a test-scope variable (declared at test level) so its
		// captured value survives from step 1's extraction into step 2's
		// URL — a step-scope declaration would not outlive its own step.
		Fields: []models.Field{{ID: 1, Name: "TOKEN", Value: "regex:token=(\\w+)", Type: models.FieldVariable}},
		Steps: []models.HttpStep{
			{ID: 1, No: 1, Name: "login", URL: srv.URL + "/login", Timeout: "5"},
			{ID: 2, No: 2, Name: "profile", URL: srv.URL + "/profile?auth={TOKEN}", Timeout: "5"},
		},
	}

	result := r.RunTest(context.Background(), test)
	assert.Empty(t, result.LastError)
	assert.Equal(t, 0, result.LastFailedStep)
	require.Len(t, result.StepResults, 2)
}

func TestRunTestFormPostFieldOrdering(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		Steps: []models.HttpStep{
			{
				ID: 1, No: 1, Name: "post", URL: srv.URL, Timeout: "5", PostType: models.PostForm,
				Fields: []models.Field{
					{ID: 1, Name: "a", Value: "1", Type: models.FieldPostField},
					{ID: 2, Name: "b", Value: "2 3", Type: models.FieldPostField},
				},
			},
		},
	}

	result := r.RunTest(context.Background(), test)
	assert.Empty(t, result.LastError)
	assert.Equal(t, "a=1&b=2%203", gotBody)
}

func TestRunTestFragmentStripping(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.RequestURI()
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		Steps: []models.HttpStep{
			{
				ID: 1, No: 1, Name: "frag", URL: srv.URL + "/p?x=1#frag", Timeout: "5",
				Fields: []models.Field{{ID: 1, Name: "y", Value: "2", Type: models.FieldQueryField}},
			},
		},
	}

	result := r.RunTest(context.Background(), test)
	assert.Empty(t, result.LastError)
	assert.Equal(t, "/p?x=1&y=2", gotURL)
}

func TestRunTestInvalidDelayNormalizesLastFailedStepAndNeverRunsSteps(t *testing.T) {
	mem := sink.NewMemory()
	r := newTestRunner(mem)

	called := false
	test := models.HttpTest{
		ID: 1, Delay: "abc",
		Steps: []models.HttpStep{{ID: 1, No: 1, Name: "never", URL: "http://unused", Timeout: "5"}},
	}
	_ = called

	result := r.RunTest(context.Background(), test)
	assert.Equal(t, models.LastFailedStepNotStarted, result.LastFailedStep, "RunTest itself returns the raw -1 sentinel")
	assert.Equal(t, `update interval "abc" is invalid`, result.LastError)
	assert.Empty(t, result.StepResults)

	// The emitter normalizes -1 to 1 before it ever reaches the sink.
	require.NotEmpty(t, mem.Values)
	for _, v := range mem.Values {
		if v.Kind == "laststep" {
			assert.Equal(t, "1", v.Value)
		}
	}
}

func TestRunTestShutdownMidLoopStopsGracefully(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)
	running := true
	r.IsRunning = func() bool { return running }

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		Steps: []models.HttpStep{
			{ID: 1, No: 1, Name: "one", URL: srv.URL, Timeout: "5"},
			{ID: 2, No: 2, Name: "two", URL: srv.URL, Timeout: "5"},
		},
	}
	// Flip the flag off after the first step completes.
	r.Now = func() time.Time {
		running = false
		return time.Now()
	}

	result := r.RunTest(context.Background(), test)
	assert.Empty(t, result.LastError, "a shutdown mid-loop is not a step failure")
	assert.Equal(t, 1, calls, "only the first step should have been dispatched")
}

func TestRunTestStepScopeHeaderFallbackIsExpanded(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Token")
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		Fields: []models.Field{
			{ID: 1, Name: "SECRET", Value: "xyz", Type: models.FieldVariable},
			{ID: 2, Name: "X-Token", Value: "bearer-{SECRET}", Type: models.FieldHeader},
		},
		Steps: []models.HttpStep{
			// This step declares no headers of its own, so it must fall
			// back to the test-scope header — already variable-expanded,
			// not re-derived from the raw field.
			{ID: 1, No: 1, Name: "no-headers", URL: srv.URL, Timeout: "5"},
		},
	}

	result := r.RunTest(context.Background(), test)
	assert.Empty(t, result.LastError)
	assert.Equal(t, "bearer-xyz", gotHeader)
}

func TestRunTestMeanSpeedIncludesHeadersOnlyStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("some body bytes"))
	}))
	defer srv.Close()

	mem := sink.NewMemory()
	r := newTestRunner(mem)

	test := models.HttpTest{
		ID: 1, Delay: "60s",
		Steps: []models.HttpStep{
			// retrieve_mode=headers never reads a body, so its measured
			// speed is exactly zero — a legitimate measurement, not a
			// missing one, and must still count toward the test mean.
			{ID: 1, No: 1, Name: "headers-only", URL: srv.URL, Timeout: "5", RetrieveMode: models.RetrieveHeaders},
			{ID: 2, No: 2, Name: "content", URL: srv.URL, Timeout: "5", RetrieveMode: models.RetrieveContent},
		},
	}

	result := r.RunTest(context.Background(), test)
	require.Empty(t, result.LastError)
	require.Len(t, result.StepResults, 2)

	assert.True(t, result.StepResults[0].Stats.SpeedValid)
	assert.Equal(t, float64(0), result.StepResults[0].Stats.SpeedDownload)
	assert.True(t, result.StepResults[1].Stats.SpeedValid)
	assert.Greater(t, result.StepResults[1].Stats.SpeedDownload, float64(0))

	wantMean := (result.StepResults[0].Stats.SpeedDownload + result.StepResults[1].Stats.SpeedDownload) / 2
	assert.Equal(t, wantMean, result.Speed, "mean must average over both valid measurements, including the zero one")
}

func TestParseDelayUnits(t *testing.T) {
	d, err := ParseDelay("30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDelay("5m")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	d, err = ParseDelay("2h")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)

	_, err = ParseDelay("abc")
	assert.Error(t, err)

	_, err = ParseDelay("")
	assert.Error(t, err)
}
