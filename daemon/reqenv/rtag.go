package reqenv

import (
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Fingerprint returns the request tag: a checksum over the request
// identity used as the cache key, plus its human-auditable source string.
// Only the internal X-* allowlist participates, in the order the entries
// arrived; all other headers are invisible to the cache.
func (r *Request) Fingerprint() (rtag string, rtagStr string) {
	var b strings.Builder
	writeField := func(s string) {
		b.WriteString(s)
		b.WriteByte('\x00')
	}
	writeField(r.Username)
	writeField(r.Method)
	writeField(r.Scheme)
	writeField(r.Hostname)
	writeField(r.URI)
	for _, p := range r.QS {
		writeField(p.Key + "=" + p.Value)
	}
	r.XArgs.Range(func(name string, value interface{}) bool {
		if !internalXArgs.Contains(http.CanonicalHeaderKey(name)) {
			return true
		}
		if s, ok := value.(string); ok {
			writeField(name + "=" + s)
		}
		return true
	})
	src := b.String()
	return digest.SHA256.FromString(src).Encoded(), strings.ReplaceAll(src, "\x00", " ")
}
