package address

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestNormalize(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"a", "/a"},
		{"/a/", "/a"},
		{"/a//b/", "/a/b"},
		{"a/b/c", "/a/b/c"},
		{"/a/../b", "/a/../b"}, // ".." is an ordinary segment
	} {
		assert.Equal(t, Normalize(tc.in), tc.want, "Normalize(%q)", tc.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, in := range []string{"", "/", "a//b/", "/x/y/z", "/%2541", "/a/{?k=v}/b"} {
		once := Normalize(in)
		assert.Equal(t, Normalize(once), once, "input %q", in)
	}
}

func TestParentName(t *testing.T) {
	assert.Equal(t, Parent("/a/b/c"), "/a/b")
	assert.Equal(t, Parent("/a"), "/")
	assert.Equal(t, Parent("/"), "/")
	assert.Equal(t, Name("/a/b/c"), "c")
	assert.Equal(t, Name("/"), "")
}

func TestJoinAppendSplit(t *testing.T) {
	assert.Equal(t, Join("a", "b"), "/a/b")
	assert.Equal(t, Join(), "/")
	assert.Equal(t, Append("/a", "b", "c"), "/a/b/c")
	assert.Equal(t, Append("/", "x"), "/x")
	assert.DeepEqual(t, Split("/a/b"), []string{"a", "b"})
	assert.Check(t, Split("/") == nil)
}

func TestHasPrefix(t *testing.T) {
	assert.Check(t, HasPrefix("/a/b/c", "/a/b"))
	assert.Check(t, HasPrefix("/a", "/"))
	assert.Check(t, HasPrefix("/a", "/a"))
	assert.Check(t, !HasPrefix("/abc", "/ab"))
	assert.Check(t, !HasPrefix("/a", "/a/b"))
}

func TestAbstract(t *testing.T) {
	assert.Check(t, IsAbstract("/items/{?type=book}/title"))
	assert.Check(t, IsAbstract("/items/{:first}"))
	assert.Check(t, IsAbstract("/items|{?id=4}"))
	assert.Check(t, !IsAbstract("/items/3/title"))
	assert.Check(t, !IsAbstract("/"))
	assert.Check(t, IsAbstractSegment("{-?:^ch}"))
	assert.Check(t, !IsAbstractSegment("<next>"))
}

func TestIndex(t *testing.T) {
	n, ok := Index("12")
	assert.Check(t, ok)
	assert.Equal(t, n, 12)
	_, ok = Index("-1")
	assert.Check(t, !ok)
	_, ok = Index("03x")
	assert.Check(t, !ok)
	_, ok = Index("")
	assert.Check(t, !ok)
}

func TestFromURI(t *testing.T) {
	assert.Equal(t, FromURI("/a%20b/c?x=1"), "/a b/c")
	assert.Equal(t, FromURI("/a/b/"), "/a/b")
	// undecodable octets stay literal
	assert.Equal(t, FromURI("/a%zz"), "/a%zz")
	// decoding happens once; the result normalizes idempotently
	assert.Equal(t, Normalize(FromURI("/%2541")), "/%41")
}
