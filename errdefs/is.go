package errdefs

type causer interface {
	Cause() error
}

type wrapErr interface {
	Unwrap() error
}

func getImplementer(err error) error {
	switch e := err.(type) {
	case ErrNotFound,
		ErrAccessDenied,
		ErrForbidden,
		ErrConflict,
		ErrInvalidParameter,
		ErrSystem,
		ErrCrossScheme:
		return err
	case causer:
		return getImplementer(e.Cause())
	case wrapErr:
		return getImplementer(e.Unwrap())
	default:
		return err
	}
}

// IsNotFound returns if the passed in error is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := getImplementer(err).(ErrNotFound)
	return ok
}

// IsAccessDenied returns if the passed in error is an ErrAccessDenied.
func IsAccessDenied(err error) bool {
	_, ok := getImplementer(err).(ErrAccessDenied)
	return ok
}

// IsForbidden returns if the passed in error is an ErrForbidden.
func IsForbidden(err error) bool {
	_, ok := getImplementer(err).(ErrForbidden)
	return ok
}

// IsConflict returns if the passed in error is an ErrConflict.
func IsConflict(err error) bool {
	_, ok := getImplementer(err).(ErrConflict)
	return ok
}

// IsInvalidParameter returns if the passed in error is an ErrInvalidParameter.
func IsInvalidParameter(err error) bool {
	_, ok := getImplementer(err).(ErrInvalidParameter)
	return ok
}

// IsSystem returns if the passed in error is an ErrSystem.
func IsSystem(err error) bool {
	_, ok := getImplementer(err).(ErrSystem)
	return ok
}

// IsCrossScheme returns if the passed in error is an ErrCrossScheme.
func IsCrossScheme(err error) bool {
	_, ok := getImplementer(err).(ErrCrossScheme)
	return ok
}
