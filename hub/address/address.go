// Package address implements the algebra of hub addresses: slash-delimited
// paths naming nodes in the hub tree. Addresses are not filesystem paths;
// ".." has no special meaning and percent-decoding is the caller's job
// (done once when a raw URI enters the system, never inside Normalize, so
// normalization stays idempotent).
package address

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	// Separator delimits segments.
	Separator = "/"

	// Root is the canonical address of the hub root.
	Root = "/"

	// Next is the sentinel segment meaning "append as a new trailing
	// element of an ordered sequence".
	Next = "<next>"
)

// Normalize returns the canonical form: a single leading slash, no trailing
// slash except on the root, and no empty interior segments. Normalize is
// idempotent.
func Normalize(addr string) string {
	segs := Split(addr)
	if len(segs) == 0 {
		return Root
	}
	return Root + strings.Join(segs, Separator)
}

// Split breaks an address into its segments. The root has no segments.
func Split(addr string) []string {
	var segs []string
	for _, s := range strings.Split(addr, Separator) {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Join builds a canonical address from segments.
func Join(segments ...string) string {
	return Normalize(strings.Join(segments, Separator))
}

// Append extends addr with further segments.
func Append(addr string, segments ...string) string {
	parts := append(Split(addr), segments...)
	return Join(parts...)
}

// Parent returns the address with the final segment removed. The parent of
// the root is the root.
func Parent(addr string) string {
	segs := Split(addr)
	if len(segs) == 0 {
		return Root
	}
	return Join(segs[:len(segs)-1]...)
}

// Name returns the final segment, or "" for the root.
func Name(addr string) string {
	segs := Split(addr)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// IsRoot reports whether addr names the hub root.
func IsRoot(addr string) bool {
	return len(Split(addr)) == 0
}

// Depth returns the number of segments.
func Depth(addr string) int {
	return len(Split(addr))
}

// HasPrefix reports whether prefix is an ancestor of (or equal to) addr,
// compared segment-wise so that /ab is not a prefix of /abc.
func HasPrefix(addr, prefix string) bool {
	ps := Split(prefix)
	as := Split(addr)
	if len(ps) > len(as) {
		return false
	}
	for i, p := range ps {
		if as[i] != p {
			return false
		}
	}
	return true
}

// IsAbstractSegment reports whether seg is a query segment: one that
// selects rather than names. Query segments are {…} predicates and the
// name|{…} pipe form.
func IsAbstractSegment(seg string) bool {
	if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
		return true
	}
	return strings.Contains(seg, "|{")
}

// IsAbstract reports whether any segment of addr is a query segment.
// Abstract addresses are valid for reads but can never name storage.
func IsAbstract(addr string) bool {
	for _, s := range Split(addr) {
		if IsAbstractSegment(s) {
			return true
		}
	}
	return false
}

// Index interprets a segment as a sequence index. ok is false when the
// segment is not a plain non-negative integer.
func Index(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FromURI percent-decodes a raw request URI path and normalizes it. Octets
// that do not decode are kept literally.
func FromURI(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		uri = uri[:i]
	}
	if decoded, err := url.PathUnescape(uri); err == nil {
		uri = decoded
	}
	return Normalize(uri)
}
