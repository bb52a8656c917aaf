// Package headerasm implements the Header Assembler component: turning
// a "Name: value\r\n..." string into an ordered header list plus a
// separately-extracted Cookie value.
package headerasm

import (
	"strings"

	"github.com/webpoller/engine/pkg/models"
)

// cookiePrefix is matched case-sensitively on an exact prefix, preserving
// the original source's behavior rather than the more "robust"
// case-insensitive comparison — see the design notes' Open Question
// decision on this point.
const cookiePrefix = "Cookie:"

// Assembled is the Header Assembler's output.
type Assembled struct {
	Headers []models.OrderedPair
	Cookie  string // empty if no Cookie: line was present
}

// Assemble parses pairs already classified as headers (in field order)
// and pulls out any entry whose key is exactly "Cookie" into the cookie
// slot, leaving the rest in header order.
func Assemble(pairs []models.OrderedPair) Assembled {
	out := Assembled{Headers: make([]models.OrderedPair, 0, len(pairs))}
	for _, p := range pairs {
		if strings.HasPrefix(p.Key+":", cookiePrefix) {
			out.Cookie = p.Value
			continue
		}
		out.Headers = append(out.Headers, p)
	}
	return out
}

// AssembleLines parses the CRLF-joined "Name: value" wire format the
// Field Loader produces via its pair-joiner, for callers that hold
// headers in that flattened shape rather than as OrderedPairs.
func AssembleLines(raw string) Assembled {
	out := Assembled{}
	for _, line := range strings.Split(raw, "\r\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, cookiePrefix) {
			out.Cookie = strings.TrimSpace(strings.TrimPrefix(line, cookiePrefix))
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx == -1 {
			continue
		}
		out.Headers = append(out.Headers, models.OrderedPair{
			Key:   line[:idx],
			Value: strings.TrimSpace(line[idx+1:]),
		})
	}
	return out
}
