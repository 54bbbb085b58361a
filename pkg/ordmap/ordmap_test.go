package ordmap

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMapPreservesInsertionOrder(t *testing.T) {
	m := New()
	for _, k := range []string{"zulu", "alpha", "mike", "bravo"} {
		m.Set(k, k+"-value")
	}
	assert.DeepEqual(t, m.Keys(), []string{"zulu", "alpha", "mike", "bravo"})

	// updating keeps position
	m.Set("alpha", "changed")
	assert.DeepEqual(t, m.Keys(), []string{"zulu", "alpha", "mike", "bravo"})
	v, ok := m.Get("alpha")
	assert.Assert(t, ok)
	assert.Equal(t, v, "changed")
}

func TestMapInsertDeleteRename(t *testing.T) {
	m := New()
	m.Set("a", 1)
	m.Set("c", 3)
	assert.NilError(t, m.Insert(1, "b", 2))
	assert.DeepEqual(t, m.Keys(), []string{"a", "b", "c"})

	assert.ErrorContains(t, m.Insert(0, "b", 0), "exists")

	assert.NilError(t, m.Rename("b", "beta"))
	assert.DeepEqual(t, m.Keys(), []string{"a", "beta", "c"})
	assert.Equal(t, m.IndexOf("beta"), 1)

	assert.Check(t, m.Delete("beta"))
	assert.Check(t, !m.Delete("beta"))
	assert.DeepEqual(t, m.Keys(), []string{"a", "c"})
}

func TestMapSortByKeys(t *testing.T) {
	m := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		m.Set(k, k)
	}
	m.SortByKeys([]string{"c", "a", "d", "b"})
	assert.DeepEqual(t, m.Keys(), []string{"c", "a", "d", "b"})

	// keys missing from the order sink to the end, keeping relative order
	m.SortByKeys([]string{"b"})
	assert.DeepEqual(t, m.Keys(), []string{"b", "c", "a", "d"})
}

func TestListReorder(t *testing.T) {
	l := NewList("A", "B", "C", "D", "E")
	assert.NilError(t, l.Reorder([]int{2, 0, 4, 1, 3}))

	var got []string
	l.Range(func(_ int, v interface{}) bool {
		got = append(got, v.(string))
		return true
	})
	assert.DeepEqual(t, got, []string{"C", "A", "E", "B", "D"})

	assert.ErrorContains(t, l.Reorder([]int{0, 1}), "does not match")
	assert.ErrorContains(t, l.Reorder([]int{0, 0, 1, 2, 3}), "repeated")
	assert.ErrorContains(t, l.Reorder([]int{0, 1, 2, 3, 9}), "out of range")
}

func TestListSplice(t *testing.T) {
	l := NewList("a", "c")
	assert.NilError(t, l.Insert(1, "b"))
	assert.Equal(t, l.Len(), 3)
	v, _ := l.Get(1)
	assert.Equal(t, v, "b")

	assert.NilError(t, l.Remove(0))
	v, _ = l.Get(0)
	assert.Equal(t, v, "b")
	assert.Check(t, is.ErrorContains(l.Remove(5), "out of range"))
}

func TestCloneIsDeep(t *testing.T) {
	inner := New()
	inner.Set("x", "1")
	m := New()
	m.Set("inner", inner)
	m.Set("list", NewList("a"))

	c := m.Clone()
	ci, _ := c.Get("inner")
	ci.(*Map).Set("x", "2")

	v, _ := inner.Get("x")
	assert.Equal(t, v, "1")
}

func TestJSONRoundTripKeepsOrder(t *testing.T) {
	src := []byte(`{"zeta":1,"alpha":{"b":2,"a":3},"list":[1,"two",{"k":null}],"last":true}`)
	v, err := DecodeJSON(src)
	assert.NilError(t, err)

	m, ok := v.(*Map)
	assert.Assert(t, ok)
	assert.DeepEqual(t, m.Keys(), []string{"zeta", "alpha", "list", "last"})

	out, err := EncodeJSON(m)
	assert.NilError(t, err)
	assert.Equal(t, string(out), string(src))
}

func TestDecodeJSONScalarAndErrors(t *testing.T) {
	v, err := DecodeJSON([]byte(`"hello"`))
	assert.NilError(t, err)
	assert.Equal(t, v, "hello")

	_, err = DecodeJSON([]byte(`{"a":1} trailing`))
	assert.ErrorContains(t, err, "trailing")
}
