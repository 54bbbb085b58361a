// Package httputils carries the handler signature of the API surface and
// the helpers shared by routes: form parsing, JSON body checks, JSON and
// error writing.
package httputils

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
)

// APIFunc is the signature of every route handler. Errors bubble up to the
// server, which maps them onto a status through errdefs.
type APIFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

// ParseForm parses the request form and classifies failures as invalid
// parameters.
func ParseForm(r *http.Request) error {
	if r == nil {
		return nil
	}
	if err := r.ParseForm(); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return errdefs.InvalidParameter(err)
	}
	return nil
}

// CheckForJSON makes sure that the request's Content-Type is application/json.
func CheckForJSON(r *http.Request) error {
	ct := r.Header.Get("Content-Type")

	// No Content-Type header is ok as long as there's no body
	if ct == "" && (r.Body == nil || r.ContentLength == 0) {
		return nil
	}

	// Otherwise it better be json
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return errdefs.InvalidParameter(errors.Wrapf(err, "malformed Content-Type header (%s)", ct))
	}
	if mt != "application/json" && mt != "text/json" {
		return errdefs.InvalidParameter(errors.Errorf("unsupported Content-Type header (%s): must be 'application/json'", ct))
	}
	return nil
}

// WriteJSON writes the value v to the http response stream as json with
// standard json encoding.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// WriteError maps err onto an HTTP status and writes a JSON error body.
// System errors are logged before the (unrevealing) body goes out.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	status := errdefs.StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.G(ctx).WithError(err).Error("request failed")
	}
	_ = WriteJSON(w, status, map[string]string{
		"type":    errdefs.Kind(err),
		"message": err.Error(),
	})
}
