package stringid

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestGenerateSID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		sid := GenerateSID()
		assert.Check(t, is.Len(sid, SIDLength))
		assert.Check(t, IsValidSID(sid), "invalid sid %q", sid)
		assert.Check(t, !seen[sid], "duplicate sid %q", sid)
		seen[sid] = true
	}
}

func TestIsValidSID(t *testing.T) {
	assert.Check(t, IsValidSID(strings.Repeat("a", 33)))
	assert.Check(t, IsValidSID("A1b2C3d4E5f6G7h8I9j0K1l2M3n4O5p6Q"))
	assert.Check(t, !IsValidSID(""))
	assert.Check(t, !IsValidSID("short"))
	assert.Check(t, !IsValidSID(strings.Repeat("a", 32)))
	assert.Check(t, !IsValidSID(strings.Repeat("a", 34)))
	assert.Check(t, !IsValidSID(strings.Repeat("a", 32)+"!"))
	assert.Check(t, !IsValidSID(strings.Repeat("a", 32)+" "))
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Check(t, is.Len(a, 32))
	assert.Check(t, a != b)
	for i := 0; i < len(a); i++ {
		c := a[i]
		assert.Check(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "non-hex byte %q", c)
	}
}

func TestHexToken(t *testing.T) {
	a, b := HexToken(), HexToken()
	assert.Check(t, is.Len(a, 32))
	assert.Check(t, a != b)
}
