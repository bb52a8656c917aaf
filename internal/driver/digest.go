package driver

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// digestTransport implements RFC 2617 HTTP Digest authentication as a
// RoundTripper: it replays the request once with a computed Authorization
// header after the server issues a 401 WWW-Authenticate: Digest
// challenge. No third-party digest-auth client in the example pack could
// be wired with confidence (the one candidate, a k6 dependency, is a
// niche unverifiable API); RFC 2617's hashing is a few lines over
// stdlib crypto/md5, so this stays on the standard library rather than
// risk fabricating an import.
type digestTransport struct {
	base     http.RoundTripper
	user     string
	password string

	nc int
}

func (t *digestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	resp, err := base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Digest ") {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	params := parseDigestChallenge(challenge)
	authHeader, err := t.buildAuthorization(req, params)
	if err != nil {
		return nil, fmt.Errorf("building digest authorization: %w", err)
	}

	retry := req.Clone(req.Context())
	if bodyBytes != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	retry.Header.Set("Authorization", authHeader)
	return base.RoundTrip(retry)
}

func (t *digestTransport) buildAuthorization(req *http.Request, params map[string]string) (string, error) {
	realm := params["realm"]
	nonce := params["nonce"]
	qop := params["qop"]
	opaque := params["opaque"]

	t.nc++
	nc := fmt.Sprintf("%08x", t.nc)
	cnonce, err := randomHex(8)
	if err != nil {
		return "", err
	}

	ha1 := md5Hex(t.user + ":" + realm + ":" + t.password)
	ha2 := md5Hex(req.Method + ":" + req.URL.RequestURI())

	var response string
	if qop == "auth" || qop == "auth-int" {
		response = md5Hex(strings.Join([]string{ha1, nonce, nc, cnonce, qop, ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		t.user, realm, nonce, req.URL.RequestURI(), response)
	if qop != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	if opaque != "" {
		fmt.Fprintf(&sb, `, opaque="%s"`, opaque)
	}
	return sb.String(), nil
}

func parseDigestChallenge(header string) map[string]string {
	out := make(map[string]string)
	header = strings.TrimPrefix(header, "Digest ")
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		idx := strings.IndexByte(part, '=')
		if idx == -1 {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		value := strings.Trim(strings.TrimSpace(part[idx+1:]), `"`)
		out[key] = value
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
