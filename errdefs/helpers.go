package errdefs

import "context"

type errNotFound struct{ error }

func (errNotFound) NotFound() {}

func (e errNotFound) Cause() error {
	return e.error
}

func (e errNotFound) Unwrap() error {
	return e.error
}

// NotFound creates an ErrNotFound from err. It returns the error as-is when
// it is nil or already classified.
func NotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	return errNotFound{err}
}

type errAccessDenied struct{ error }

func (errAccessDenied) AccessDenied() {}

func (e errAccessDenied) Cause() error {
	return e.error
}

func (e errAccessDenied) Unwrap() error {
	return e.error
}

// AccessDenied creates an ErrAccessDenied from err.
func AccessDenied(err error) error {
	if err == nil || IsAccessDenied(err) {
		return err
	}
	return errAccessDenied{err}
}

type errForbidden struct{ error }

func (errForbidden) Forbidden() {}

func (e errForbidden) Cause() error {
	return e.error
}

func (e errForbidden) Unwrap() error {
	return e.error
}

// Forbidden creates an ErrForbidden from err.
func Forbidden(err error) error {
	if err == nil || IsForbidden(err) {
		return err
	}
	return errForbidden{err}
}

type errConflict struct{ error }

func (errConflict) Conflict() {}

func (e errConflict) Cause() error {
	return e.error
}

func (e errConflict) Unwrap() error {
	return e.error
}

// Conflict creates an ErrConflict from err.
func Conflict(err error) error {
	if err == nil || IsConflict(err) {
		return err
	}
	return errConflict{err}
}

type errInvalidParameter struct{ error }

func (errInvalidParameter) InvalidParameter() {}

func (e errInvalidParameter) Cause() error {
	return e.error
}

func (e errInvalidParameter) Unwrap() error {
	return e.error
}

// InvalidParameter creates an ErrInvalidParameter from err.
func InvalidParameter(err error) error {
	if err == nil || IsInvalidParameter(err) {
		return err
	}
	return errInvalidParameter{err}
}

type errSystem struct{ error }

func (errSystem) System() {}

func (e errSystem) Cause() error {
	return e.error
}

func (e errSystem) Unwrap() error {
	return e.error
}

// System creates an ErrSystem from err.
func System(err error) error {
	if err == nil || IsSystem(err) {
		return err
	}
	return errSystem{err}
}

type errCrossScheme struct {
	error
	scheme string
}

func (errCrossScheme) CrossScheme() {}

func (e errCrossScheme) RequiredScheme() string {
	return e.scheme
}

func (e errCrossScheme) Cause() error {
	return e.error
}

func (e errCrossScheme) Unwrap() error {
	return e.error
}

// HTTPSRequired creates an ErrCrossScheme demanding a restart over https.
func HTTPSRequired(err error) error {
	if err == nil || IsCrossScheme(err) {
		return err
	}
	return errCrossScheme{err, "https"}
}

// HTTPSNotRequired creates an ErrCrossScheme demanding a restart over http.
func HTTPSNotRequired(err error) error {
	if err == nil || IsCrossScheme(err) {
		return err
	}
	return errCrossScheme{err, "http"}
}

// FromContext returns the error class matching the context error, so that
// cancellations surface with a sensible status instead of a system error.
func FromContext(ctx context.Context) error {
	e := ctx.Err()
	if e == nil {
		return nil
	}
	if e == context.DeadlineExceeded {
		return System(e)
	}
	return InvalidParameter(e)
}
