// Package reqenv holds the per-request mutable state the lifecycle binds
// under /sys/request and /sys/response, and the environment handle passed
// to responders. Nothing here is shared across requests.
package reqenv

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub/address"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// QSPair is one query string entry. Order and duplicates are preserved;
// the fingerprint depends on both.
type QSPair struct {
	Key   string
	Value string
}

// Page describes the resolved location of the request.
type Page struct {
	FullURI string
	URI     string
	Href    string
	Addr    string
	Parent  string
	Name    string
}

// internalXArgs is the fixed allowlist of X-* names that participate in
// the request fingerprint. Headers outside it never affect caching.
var internalXArgs = mapset.NewSet(
	"X-Command",
	"X-Auth",
	"X-Base-Uri",
	"X-Return-Disposition",
	"X-Response-Type",
	"X-Link-Origin",
	"X-Accept",
	"X-HTTP-Scheme",
)

// Request is the per-request read-mostly state derived from the raw HTTP
// request.
type Request struct {
	Method   string
	Scheme   string
	Hostname string
	URI      string
	// TrailingSlash records whether the raw path ended in a slash; the
	// normalized URI never does.
	TrailingSlash bool
	RawQuery      string
	QS            []QSPair
	Headers  http.Header
	Cookies  []*http.Cookie
	XArgs    *ordmap.Map
	Page     Page
	Stack    []string
	Depth    int

	SID      string
	SIDFresh bool
	Username string
	Groups   []string

	Body          io.ReadCloser
	ContentLength int64

	cgi *ordmap.Map
}

// Options configure request derivation from the transport.
type Options struct {
	// TrustURISchemeHeader enables scheme override from the forwarded
	// scheme header.
	TrustURISchemeHeader bool
	// URISchemeHeaderName is the header carrying the original scheme
	// when a proxy terminated TLS. Defaults to X-URI-Scheme.
	URISchemeHeaderName string
}

// New derives a Request from the transport request.
func New(r *http.Request, opts Options) *Request {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if opts.TrustURISchemeHeader {
		name := opts.URISchemeHeaderName
		if name == "" {
			name = "X-URI-Scheme"
		}
		if v := r.Header.Get(name); v != "" {
			scheme = strings.ToLower(v)
		}
	}
	hostname := r.Host
	if h, _, ok := strings.Cut(r.Host, ":"); ok && h != "" {
		hostname = h
	}

	uri := address.FromURI(r.URL.Path)
	req := &Request{
		Method:        r.Method,
		Scheme:        scheme,
		Hostname:      hostname,
		URI:           uri,
		TrailingSlash: strings.HasSuffix(r.URL.Path, "/") && uri != address.Root,
		RawQuery:      r.URL.RawQuery,
		QS:            parseQS(r.URL.RawQuery),
		Headers:       r.Header,
		Cookies:       r.Cookies(),
		Body:          r.Body,
		ContentLength: r.ContentLength,
	}
	req.XArgs = mergeXArgs(r.Header, req.QS)
	req.Page = Page{
		FullURI: r.URL.String(),
		URI:     uri,
		Href:    uri,
		Addr:    uri,
		Parent:  address.Parent(uri),
		Name:    address.Name(uri),
	}
	return req
}

// parseQS keeps query entries in their original order, which url.Values
// cannot.
func parseQS(rawQuery string) []QSPair {
	var out []QSPair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		ku, err := url.QueryUnescape(k)
		if err != nil {
			ku = k
		}
		vu, err := url.QueryUnescape(v)
		if err != nil {
			vu = v
		}
		out = append(out, QSPair{Key: ku, Value: vu})
	}
	return out
}

// mergeXArgs builds the case-insensitive X-* mapping: headers first, then
// query parameters, query winning on conflict. Keys are canonicalized.
func mergeXArgs(headers http.Header, qs []QSPair) *ordmap.Map {
	m := ordmap.New()
	for name, vals := range headers {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, "X-") || len(vals) == 0 {
			continue
		}
		m.Set(canonical, vals[0])
	}
	for _, p := range qs {
		canonical := http.CanonicalHeaderKey(p.Key)
		if !strings.HasPrefix(canonical, "X-") {
			continue
		}
		m.Set(canonical, p.Value)
	}
	return m
}

// XArg returns the named X-* value, case-insensitively.
func (r *Request) XArg(name string) string {
	v, ok := r.XArgs.Get(http.CanonicalHeaderKey(name))
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// QSValue returns the first query value for key.
func (r *Request) QSValue(key string) string {
	for _, p := range r.QS {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Cookie returns the named request cookie's value.
func (r *Request) Cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// CGI returns the request parameters as an ordered mapping, materialized
// lazily from the body or the query string depending on Content-Type.
func (r *Request) CGI() (*ordmap.Map, error) {
	if r.cgi != nil {
		return r.cgi, nil
	}
	m := ordmap.New()
	ct := r.Headers.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ct)
	if r.Method == http.MethodPost && mt == "application/x-www-form-urlencoded" && r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errdefs.InvalidParameter(errors.Wrap(err, "reading form body"))
		}
		for _, p := range parseQS(string(raw)) {
			m.Set(p.Key, p.Value)
		}
	} else {
		for _, p := range r.QS {
			m.Set(p.Key, p.Value)
		}
	}
	r.cgi = m
	return m, nil
}

// PushURI records the current URI on the stack before an internal
// redirect or subrequest rebinds the request.
func (r *Request) PushURI(next string) {
	r.Stack = append(r.Stack, r.URI)
	r.URI = next
	r.TrailingSlash = strings.HasSuffix(next, "/") && next != address.Root
	r.Depth++
	r.Page = Page{
		FullURI: next,
		URI:     next,
		Href:    next,
		Addr:    next,
		Parent:  address.Parent(next),
		Name:    address.Name(next),
	}
}
