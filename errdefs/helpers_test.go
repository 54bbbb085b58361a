package errdefs

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

var errTest = errors.New("this is a test")

func TestNotFound(t *testing.T) {
	e := NotFound(errTest)
	assert.Check(t, IsNotFound(e))
	assert.Check(t, !IsConflict(e))
	assert.Check(t, is.ErrorContains(e, errTest.Error()))
}

func TestClassifyNilPassthrough(t *testing.T) {
	assert.Check(t, is.Nil(NotFound(nil)))
	assert.Check(t, is.Nil(Conflict(nil)))
	assert.Check(t, is.Nil(System(nil)))
}

func TestAlreadyClassified(t *testing.T) {
	e := Forbidden(errTest)
	assert.Equal(t, e, Forbidden(e))
}

func TestWrappedClassIsFound(t *testing.T) {
	e := errors.Wrap(Conflict(errTest), "saving node")
	assert.Check(t, IsConflict(e))
	assert.Check(t, !IsInvalidParameter(e))
}

func TestCrossScheme(t *testing.T) {
	e := HTTPSRequired(errTest)
	assert.Check(t, IsCrossScheme(e))
	cs, ok := getImplementer(e).(ErrCrossScheme)
	assert.Assert(t, ok)
	assert.Equal(t, cs.RequiredScheme(), "https")

	e = HTTPSNotRequired(errTest)
	cs, ok = getImplementer(e).(ErrCrossScheme)
	assert.Assert(t, ok)
	assert.Equal(t, cs.RequiredScheme(), "http")
}

func TestStatusCode(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		kind   string
	}{
		{NotFound(errTest), http.StatusNotFound, "DoesNotExist"},
		{AccessDenied(errTest), http.StatusUnauthorized, "AccessDenied"},
		{Forbidden(errTest), http.StatusForbidden, "Forbidden"},
		{Conflict(errTest), http.StatusConflict, "Logical"},
		{InvalidParameter(errTest), http.StatusConflict, "IllegalArg"},
		{System(errTest), http.StatusInternalServerError, "Programatic"},
		{errTest, http.StatusInternalServerError, "Programatic"},
	} {
		assert.Equal(t, StatusCode(tc.err), tc.status)
		assert.Equal(t, Kind(tc.err), tc.kind)
	}
}

func TestFromStatusCode(t *testing.T) {
	assert.Check(t, IsNotFound(FromStatusCode(errTest, http.StatusNotFound)))
	assert.Check(t, IsAccessDenied(FromStatusCode(errTest, http.StatusUnauthorized)))
	assert.Check(t, IsInvalidParameter(FromStatusCode(errTest, http.StatusTeapot)))
	assert.Check(t, IsSystem(FromStatusCode(errTest, http.StatusBadGateway)))
}
