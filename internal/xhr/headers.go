package xhr

import (
	"net/http"
	"sort"
	"strings"
)

// FormatHeaders renders h the way GetAllResponseHeaders reports them:
// lower-cased names, sorted, one "name: value" pair per line, CRLF terminated.
func FormatHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		name := strings.ToLower(k)
		for _, v := range h[k] {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

// ParseHeaders is the inverse of FormatHeaders. Lines without a colon are skipped.
func ParseHeaders(s string) http.Header {
	h := make(http.Header)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}
