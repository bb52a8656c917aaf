// Package urlcompose implements the URL Composer component: fragment
// stripping, query-field appending, and punycode host encoding.
package urlcompose

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/idna"

	"github.com/webpoller/engine/pkg/models"
)

// Compose builds the final request URL from a macro/variable-expanded
// raw URL and an ordered list of already-urlencoded query fields.
func Compose(rawURL string, queryFields []models.OrderedPair) (string, error) {
	u := stripFragment(rawURL)

	if len(queryFields) > 0 {
		delim := "?"
		if strings.Contains(u, "?") {
			delim = "&"
		}
		var sb strings.Builder
		sb.WriteString(u)
		sb.WriteString(delim)
		for i, p := range queryFields {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(p.Key)
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
		u = sb.String()
	}

	return encodeHost(u)
}

// stripFragment truncates the URL at (and not including) the first '#'.
func stripFragment(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '#'); idx != -1 {
		slog.Debug("dropping URL fragment", "url", rawURL)
		return rawURL[:idx]
	}
	return rawURL
}

// encodeHost applies punycode encoding to the URL's host portion. It
// works on the raw string rather than a parsed *url.URL because the
// composer is explicitly not responsible for percent-encoding the path
// (that is the caller's job); only the host label needs IDN treatment.
func encodeHost(rawURL string) (string, error) {
	schemeEnd := strings.Index(rawURL, "://")
	if schemeEnd == -1 {
		return rawURL, nil
	}
	hostStart := schemeEnd + 3

	rest := rawURL[hostStart:]
	hostEnd := len(rest)
	for i, c := range rest {
		if c == '/' || c == '?' || c == ':' {
			hostEnd = i
			break
		}
	}
	host := rest[:hostEnd]
	if host == "" || isASCII(host) {
		return rawURL, nil
	}

	encoded, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("cannot encode unicode URL into punycode: %w", err)
	}

	return rawURL[:hostStart] + encoded + rest[hostEnd:], nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
