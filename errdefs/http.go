package errdefs

import "net/http"

// Kind returns the wire name of the error class, as carried in the
// head/error envelope of the data API.
func Kind(err error) string {
	switch getImplementer(err).(type) {
	case ErrNotFound:
		return "DoesNotExist"
	case ErrAccessDenied:
		return "AccessDenied"
	case ErrForbidden:
		return "Forbidden"
	case ErrConflict:
		return "Logical"
	case ErrInvalidParameter:
		return "IllegalArg"
	case ErrCrossScheme:
		return "CrossScheme"
	default:
		return "Programatic"
	}
}

// StatusCode maps an error class onto the HTTP status reported to the
// client. Unclassified errors are server faults.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch getImplementer(err).(type) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAccessDenied:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrConflict, ErrInvalidParameter:
		return http.StatusConflict
	case ErrCrossScheme:
		return http.StatusFound
	default:
		return http.StatusInternalServerError
	}
}

// FromStatusCode creates a classified error from an HTTP status code. Used
// when a remote response has to surface through the local taxonomy, e.g. by
// the download verb.
func FromStatusCode(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		return NotFound(err)
	case http.StatusUnauthorized:
		return AccessDenied(err)
	case http.StatusForbidden:
		return Forbidden(err)
	case http.StatusConflict, http.StatusBadRequest:
		return InvalidParameter(err)
	default:
		if statusCode >= 400 && statusCode < 500 {
			return InvalidParameter(err)
		}
		return System(err)
	}
}
