package reqenv

import (
	"net/http"
	"time"

	"github.com/latticeweb/lattice/api/types"
)

// HeadEntry kinds accumulated for HTML responses.
const (
	HeadCSSLink  = "css"
	HeadJSLink   = "js"
	HeadCSSBlock = "css-inline"
	HeadJSBlock  = "js-inline"
)

// HeadEntry is one css/js link or inline block destined for the document
// head.
type HeadEntry struct {
	Kind  string
	Value string
}

// Response is the per-request mutable response state. Responders mutate it
// in Compile; the sender materializes it onto the wire.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte

	// SendFile names a file served instead of Body (zero-copy path).
	SendFile string
	// Standalone skips response formatting; the body goes out verbatim.
	Standalone bool
	// InternalRedirect restarts the lifecycle on a new URI.
	InternalRedirect string

	Cookies []*http.Cookie

	ETag     string
	Mtime    time.Time
	CanCache bool
	Binmode  bool

	// Envelope carries the structured head/body payload of data
	// responses; the formatter renders it per the negotiated type.
	Envelope *types.Envelope

	HeadEntries []HeadEntry
}

// NewResponse creates an empty response.
func NewResponse() *Response {
	return &Response{
		Status:  http.StatusOK,
		Headers: http.Header{},
	}
}

// SetCookie queues an outgoing cookie.
func (r *Response) SetCookie(c *http.Cookie) {
	r.Cookies = append(r.Cookies, c)
}

// AddHeadEntry accumulates a head fragment for HTML formatting.
func (r *Response) AddHeadEntry(kind, value string) {
	r.HeadEntries = append(r.HeadEntries, HeadEntry{Kind: kind, Value: value})
}

// Redirect sets an external redirect.
func (r *Response) Redirect(location string, status int) {
	r.Headers.Set("Location", location)
	r.Status = status
}
