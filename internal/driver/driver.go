// Package driver implements the HTTP Driver component: a per-test
// session (cookie jar, capture buffer, transport) that performs one
// step at a time with retrieve-mode dispatch and retry-on-transport-
// error-only semantics.
//
// The cookie jar lives on Session and each response is captured into the
// Result of its own Perform call rather than into a package-level
// variable — the design note this corrects is the original's
// process-global "page" buffer, which would make running more than one
// PollerWorker in a process unsafe.
package driver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http2"

	"github.com/webpoller/engine/pkg/models"
)

// maxRedirects bounds follow_redirects=on, mirroring the original's
// compile-time MAX_REDIRECTS cap.
const maxRedirects = 10

// RetryConfig controls the backoff between retry attempts on transport
// failure.
type RetryConfig struct {
	BaseDelay time.Duration
}

// DefaultRetryConfig matches the teacher's load-generation defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{BaseDelay: 100 * time.Millisecond}
}

// Session is the per-test driver: one cookie jar, one HTTP client, used
// for every step of a single test execution and discarded afterward.
type Session struct {
	client  *http.Client
	retries int
	retry   RetryConfig
	test    models.HttpTest
}

// NewSession builds the per-test transport. h2cTarget requests a
// cleartext HTTP/2 transport for scenarios whose target is known to be
// h2c rather than TLS-negotiated HTTP/2.
func NewSession(test models.HttpTest, h2cTarget bool) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing cookie jar: %w", err)
	}

	if test.Auth == models.AuthKerberos {
		return nil, fmt.Errorf("kerberos authentication requires a GSSAPI negotiation not available in this build")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: !test.TLS.VerifyPeer || !test.TLS.VerifyHost, //nolint:gosec // operator-opted-in via test config
	}
	if test.TLS.CertFile != "" && test.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(test.TLS.CertFile, test.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	var transport http.RoundTripper
	if h2cTarget {
		// Cleartext HTTP/2: dial a plain TCP connection even though
		// http2.Transport normally expects TLS, matching the teacher's
		// H2C transport branch for load-generation against h2c targets.
		transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		}
	} else {
		t := &http.Transport{
			Proxy:               proxyFromTest(test),
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			ForceAttemptHTTP2:   true,
		}
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, fmt.Errorf("configuring http2 transport: %w", err)
		}
		transport = t
	}

	if test.Auth == models.AuthNTLM {
		// Negotiator completes the NTLM handshake transparently on a 401
		// challenge, using whatever Basic-auth credentials the request
		// carries — see applyAuth below.
		transport = ntlmssp.Negotiator{RoundTripper: transport}
	}
	if test.Auth == models.AuthDigest {
		transport = &digestTransport{base: transport, user: test.HTTPUser, password: test.HTTPPasswd}
	}

	client := &http.Client{
		Jar:       jar,
		Transport: transport,
	}

	return &Session{
		client:  client,
		retries: test.Retries,
		retry:   DefaultRetryConfig(),
		test:    test,
	}, nil
}

func proxyFromTest(test models.HttpTest) func(*http.Request) (*url.URL, error) {
	if test.HTTPProxy == "" {
		return nil
	}
	proxyURL, err := url.Parse(test.HTTPProxy)
	if err != nil {
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(proxyURL)
}

// Request is the fully-assembled, per-step request description the
// Scenario Runner hands to Perform after URL composition and header
// assembly are done.
type Request struct {
	Method       string
	URL          string
	Headers      []models.OrderedPair
	Cookie       string
	Body         string
	Timeout      time.Duration
	RetrieveMode models.RetrieveMode
	Redirects    models.FollowRedirects
}

// Result is the driver's successful-perform output (§4.4).
type Result struct {
	Body          []byte
	Header        http.Header
	ResponseCode  int64
	TotalTime     time.Duration
	SpeedDownload float64
}

// Perform issues req, retrying up to s.retries additional times on
// transport-level failure only — an HTTP status code, even a 5xx, is
// never a transport failure and is returned to the caller as a Result
// for the Response Evaluator to judge.
func (s *Session) Perform(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		result, err := s.performOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < s.retries {
			delay := s.retry.BaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return Result{}, fmt.Errorf("performing request: %w", lastErr)
}

func (s *Session) performOnce(ctx context.Context, req Request) (Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if req.Body != "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(stepCtx, method, req.URL, bodyReader)
	if err != nil {
		return Result{}, fmt.Errorf("building request: %w", err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Key, h.Value)
	}
	if s.test.Agent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", s.test.Agent)
	}
	if req.Cookie != "" {
		httpReq.Header.Set("Cookie", req.Cookie)
	}
	httpReq.Header.Set("Accept-Encoding", "")
	applyAuth(httpReq, s.test)

	client := *s.client
	if req.Redirects == models.RedirectsOff {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	result := Result{
		Header:       resp.Header,
		ResponseCode: int64(resp.StatusCode),
	}

	switch req.RetrieveMode {
	case models.RetrieveHeaders:
		_, _ = io.Copy(io.Discard, resp.Body)
	default: // content, both
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return Result{}, fmt.Errorf("reading response body: %w", readErr)
		}
		result.Body = body
	}

	result.TotalTime = time.Since(start)
	if result.TotalTime > 0 {
		result.SpeedDownload = float64(len(result.Body)) / result.TotalTime.Seconds()
	}

	return result, nil
}

// applyAuth sets the per-request credentials for the test's configured
// authentication mode. Basic sets Basic credentials directly. NTLM is
// handled by a transport-level RoundTripper (see NewSession) that needs
// Basic-shaped credentials on the outgoing request to complete its
// handshake, so it gets them here too. Bearer sets an Authorization
// header directly. Digest (whose RoundTripper in digest.go carries its
// own credentials), none, and kerberos (which fails at NewSession) add
// nothing here.
func applyAuth(req *http.Request, test models.HttpTest) {
	switch test.Auth {
	case models.AuthBasic, models.AuthNTLM:
		if test.HTTPUser != "" || test.HTTPPasswd != "" {
			req.SetBasicAuth(test.HTTPUser, test.HTTPPasswd)
		}
	case models.AuthBearer:
		if test.HTTPPasswd != "" {
			req.Header.Set("Authorization", "Bearer "+test.HTTPPasswd)
		}
	}
}

// ParseTimeout resolves a step's timeout string to a bounded duration,
// per the 1-3600s contract; out of range is a hard configuration error.
func ParseTimeout(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", raw, err)
	}
	if seconds < 1 || seconds > 3600 {
		return 0, fmt.Errorf("timeout %q out of range 1-3600", raw)
	}
	return time.Duration(seconds) * time.Second, nil
}
