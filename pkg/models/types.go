// Package models holds the plain data types shared across the scenario
// execution engine: tests, steps, fields, variable scopes, and the
// results each test/step run produces.
package models

import "time"

// LastFailedStepNotStarted is the sentinel used while a test is still
// being configured (before any step has run). It is normalized to 1 by
// the metric emitter before a value ever reaches the sink — see
// internal/metrics.
const LastFailedStepNotStarted = -1

// AuthMode is the authentication scheme a test's HTTP driver applies.
type AuthMode string

const (
	AuthNone     AuthMode = "none"
	AuthBasic    AuthMode = "basic"
	AuthNTLM     AuthMode = "ntlm"
	AuthDigest   AuthMode = "digest"
	AuthKerberos AuthMode = "kerberos"
	AuthBearer   AuthMode = "bearer"
)

// PostType selects how a step's POST body is framed on the wire.
type PostType string

const (
	PostRaw  PostType = "raw"
	PostForm PostType = "form"
)

// RetrieveMode selects which part of the response is captured.
type RetrieveMode string

const (
	RetrieveContent RetrieveMode = "content"
	RetrieveHeaders RetrieveMode = "headers"
	RetrieveBoth    RetrieveMode = "both"
)

// FollowRedirects toggles whether the driver follows 3xx responses.
type FollowRedirects string

const (
	RedirectsOff FollowRedirects = "off"
	RedirectsOn  FollowRedirects = "on"
)

// FieldType classifies a Field row.
type FieldType string

const (
	FieldHeader     FieldType = "header"
	FieldVariable   FieldType = "variable"
	FieldQueryField FieldType = "query_field"
	FieldPostField  FieldType = "post_field"
)

// TLSOptions carries the test's TLS material, honored only when the
// step's URL is https.
type TLSOptions struct {
	CertFile    string
	KeyFile     string
	KeyPassword string
	VerifyPeer  bool
	VerifyHost  bool
}

// HttpTest is one monitoring scenario, materialized for a single
// execution. It is an owned value: once the execution that created it
// completes, nothing else references it (design note: "transient state
// becomes an owned struct with explicit teardown").
type HttpTest struct {
	ID          int64
	Name        string
	Agent       string
	Auth        AuthMode
	HTTPUser    string
	HTTPPasswd  string
	HTTPProxy   string
	Retries     int
	TLS         TLSOptions
	Delay       string
	HostID      int64
	Host        string
	HostDisplay string
	// H2C requests a cleartext HTTP/2 transport for this test's driver
	// session. Not part of the original config-store row shape; a
	// deployment-level addition so scenarios against h2c-only targets
	// (gRPC-style backends fronted by plain HTTP/2) can opt in.
	H2C bool

	// Fields holds this test's Field rows (header/variable only — query
	// and post fields are step-scoped).
	Fields []Field

	Steps []HttpStep
}

// HttpStep is one request inside a test.
type HttpStep struct {
	ID              int64
	No              int
	Name            string
	URL             string
	Timeout         string
	PostFields      string
	Required        string
	StatusCodes     string
	PostType        PostType
	FollowRedirects FollowRedirects
	RetrieveMode    RetrieveMode

	// Fields holds this step's Field rows (header/variable/query_field/
	// post_field).
	Fields []Field
}

// Field is a configured (name, value, type) row attached to a test or a
// step. Ordering by ID is part of the wire contract.
type Field struct {
	ID    int64
	Name  string
	Value string
	Type  FieldType
}

// ItemBinding names one monitoring item bound to a test or a step.
type ItemBinding struct {
	Kind   string // "rspcode" | "time" | "speed" | "laststep" | "lasterror"
	ItemID int64
}

// OrderedPair is a (key, value) tuple that preserves insertion order when
// collected into a slice — the Go equivalent of hand-rolled pair vectors.
type OrderedPair struct {
	Key   string
	Value string
}

// VariableScope holds an ordered name → value mapping. Test-scope and
// step-scope variables are two separate VariableScope values; a step's
// extraction pass writes into its own step-scope value, which is visible
// only to that same step's later lookups.
type VariableScope struct {
	order  []string
	values map[string]string
}

// NewVariableScope returns an empty, ready-to-use scope.
func NewVariableScope() *VariableScope {
	return &VariableScope{values: make(map[string]string)}
}

// Set records name=value, preserving first-insertion order on repeat sets.
func (s *VariableScope) Set(name, value string) {
	if _, ok := s.values[name]; !ok {
		s.order = append(s.order, name)
	}
	s.values[name] = value
}

// Get returns the value for name and whether it was present.
func (s *VariableScope) Get(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Len reports the number of variables currently held.
func (s *VariableScope) Len() int { return len(s.order) }

// Pairs returns the scope contents in insertion order.
func (s *VariableScope) Pairs() []OrderedPair {
	out := make([]OrderedPair, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, OrderedPair{Key: k, Value: s.values[k]})
	}
	return out
}

// StepStats is the per-step measurement triple, zeroed before each
// attempt.
type StepStats struct {
	ResponseCode  int64
	TotalTime     time.Duration
	SpeedDownload float64 // bytes/sec
	// SpeedValid is true whenever the step successfully fetched a speed
	// measurement (the request completed without a transport error), even
	// when the measured speed is exactly zero — e.g. a headers-only
	// retrieve mode. The mean test-level speed is averaged over steps
	// with SpeedValid set, not over SpeedDownload > 0.
	SpeedValid bool
}

// StepResult is everything the Scenario Runner needs to hand a completed
// (or failed) step to the Metric Emitter.
type StepResult struct {
	Step  HttpStep
	Stats StepStats
	Err   error
}

// TestResult is the single tuple of test-level outcome emitted once per
// execution.
type TestResult struct {
	Test           HttpTest
	Speed          float64
	LastFailedStep int // 0 on full success; no of first failing step otherwise
	LastError      string
	StepResults    []StepResult
}
