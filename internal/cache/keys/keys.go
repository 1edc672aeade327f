package keys

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// maxIDInKey bounds how much of a spatial id is kept verbatim in a key; the
// xxhash suffix keeps longer ids distinct.
const maxIDInKey = 120

// GeometryKey builds the Redis key for one geometry record:
// "<ns>:geom:<id>" or, for long ids, "<ns>:geom:<prefix>~<hash>".
func GeometryKey(namespace, spatialID string) string {
	ns := sanitizeNamespace(strings.TrimSpace(namespace))
	if ns == "" {
		ns = "spatial"
	}
	id := sanitizeID(spatialID)
	if len(id) > maxIDInKey || id != spatialID {
		return fmt.Sprintf("%s:geom:%s~%016x", ns, truncate(id, maxIDInKey), xxhash.Sum64String(spatialID))
	}
	return ns + ":geom:" + id
}

// ETag returns a strong entity tag for a response body.
func ETag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

// MatchesETag reports whether an If-None-Match header value covers tag.
func MatchesETag(header, tag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimPrefix(strings.TrimSpace(part), "W/")
		if part == tag {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sanitizeID keeps the spatial id charset and maps anything else to '-'.
func sanitizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphaNum(c) || c == '_' || c == '/' || c == '.' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('-')
	}
	return b.String()
}

func sanitizeNamespace(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev byte
	for i := 0; i < len(s); i++ {
		var out byte
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f':
			out = '_'
		case isAlphaNum(c) || c == ':' || c == '_' || c == '-':
			out = c
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteByte(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
