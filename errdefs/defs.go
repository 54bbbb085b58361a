// Package errdefs defines the error classes used across the daemon and the
// hub data API. Errors are classified by implementing one of the marker
// interfaces below; helpers in this package wrap plain errors into a class
// and map classified errors onto transport status codes.
//
// The compile path of a responder is the one place that catches the full
// set; everything it does not recognize is treated as a system error.
package errdefs

// ErrNotFound signals that the addressed node does not exist.
type ErrNotFound interface {
	NotFound()
}

// ErrAccessDenied signals a request that is not authenticated, or whose
// credentials did not validate. Responses substitute the configured login
// page as the entity body.
type ErrAccessDenied interface {
	AccessDenied()
}

// ErrForbidden signals a URI on the deny list or an attempt to reach the
// per-request /sys tree from the outside.
type ErrForbidden interface {
	Forbidden()
}

// ErrConflict signals client input the system refused: a write conflict, a
// bad address, a type mismatch.
type ErrConflict interface {
	Conflict()
}

// ErrInvalidParameter signals a required parameter that is absent or
// malformed.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrSystem signals a broken invariant. Always logged at error level.
type ErrSystem interface {
	System()
}

// ErrCrossScheme signals that the request must be restarted on the other
// URI scheme. The dispatcher converts it to a redirect on the same URI.
type ErrCrossScheme interface {
	CrossScheme()
	// RequiredScheme returns the scheme the redirect must target.
	RequiredScheme() string
}
