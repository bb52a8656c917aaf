package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpoller/engine/pkg/models"
)

func newTestSession(t *testing.T, test models.HttpTest) *Session {
	t.Helper()
	s, err := NewSession(test, false)
	require.NoError(t, err)
	return s
}

func TestPerformSimpleGETSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	s := newTestSession(t, models.HttpTest{})
	result, err := s.Perform(context.Background(), Request{
		URL: srv.URL, Timeout: 5 * time.Second, RetrieveMode: models.RetrieveContent,
	})
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusOK, result.ResponseCode)
	assert.Equal(t, "hello world", string(result.Body))
	assert.GreaterOrEqual(t, result.TotalTime, time.Duration(0))
}

func TestPerformRetrieveModeHeadersSetsNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.Write([]byte("body content"))
	}))
	defer srv.Close()

	s := newTestSession(t, models.HttpTest{})
	result, err := s.Perform(context.Background(), Request{
		URL: srv.URL, Timeout: 5 * time.Second, RetrieveMode: models.RetrieveHeaders,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Body)
	assert.Equal(t, "1", result.Header.Get("X-Test"))
}

func TestPerformBasicAuthSetsHeader(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSession(t, models.HttpTest{Auth: models.AuthBasic, HTTPUser: "alice", HTTPPasswd: "secret"})
	_, err := s.Perform(context.Background(), Request{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func TestPerformBearerAuthSetsHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSession(t, models.HttpTest{Auth: models.AuthBearer, HTTPPasswd: "tok123"})
	_, err := s.Perform(context.Background(), Request{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)
}

func TestNewSessionRejectsKerberos(t *testing.T) {
	_, err := NewSession(models.HttpTest{Auth: models.AuthKerberos}, false)
	assert.Error(t, err)
}

func TestPerformCookieIsSetAsHeaderNotForwardedAsOrdinaryHeader(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
	}))
	defer srv.Close()

	s := newTestSession(t, models.HttpTest{})
	_, err := s.Perform(context.Background(), Request{URL: srv.URL, Timeout: 5 * time.Second, Cookie: "session=abc"})
	require.NoError(t, err)
	assert.Equal(t, "session=abc", gotCookie)
}

func TestPerformNonTransportFailureIsNotRetried(t *testing.T) {
	// P9: an HTTP status (even 500) is not a transport failure and must
	// not consume the retry budget.
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSession(t, models.HttpTest{Retries: 2})
	result, err := s.Perform(context.Background(), Request{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusInternalServerError, result.ResponseCode)
	assert.Equal(t, 1, calls)
}

func TestPerformRetriesOnTransportFailureThenRecovers(t *testing.T) {
	// Scenario 5: retries=2, connection dropped without a response twice
	// then success.
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSession(t, models.HttpTest{Retries: 2})
	s.retry = RetryConfig{BaseDelay: time.Millisecond}
	result, err := s.Perform(context.Background(), Request{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusOK, result.ResponseCode)
	assert.Equal(t, 3, attempts)
}

func TestPerformExhaustsRetriesAndWrapsError(t *testing.T) {
	s := newTestSession(t, models.HttpTest{Retries: 1})
	s.retry = RetryConfig{BaseDelay: time.Millisecond}
	_, err := s.Perform(context.Background(), Request{URL: "http://127.0.0.1:1", Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "performing request")
}

func TestPerformRedirectsOffReturnsFirstResponse(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer redirector.Close()

	s := newTestSession(t, models.HttpTest{})
	result, err := s.Perform(context.Background(), Request{
		URL: redirector.URL, Timeout: 5 * time.Second, Redirects: models.RedirectsOff,
	})
	require.NoError(t, err)
	assert.EqualValues(t, http.StatusFound, result.ResponseCode)
}

func TestParseTimeoutBounds(t *testing.T) {
	_, err := ParseTimeout("0")
	assert.Error(t, err)
	_, err = ParseTimeout("3601")
	assert.Error(t, err)
	_, err = ParseTimeout("not-a-number")
	assert.Error(t, err)

	d, err := ParseTimeout("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}
