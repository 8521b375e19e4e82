package oid_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrew/gitgres/internal/oid"
)

func TestParseFormatRoundTrip(t *testing.T) {
	in := "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"
	o, err := oid.Parse(in + "0")
	require.Error(t, err) // 41 chars must be rejected

	o, err = oid.Parse(in)
	require.NoError(t, err)
	assert.Equal(t, in, o.String())

	// case-insensitive on input, lowercase on output.
	upper := "B6FC4C620B67D95F953A5C1C1230AAAB5DB5A1B0"
	o2, err := oid.Parse(upper)
	require.NoError(t, err)
	assert.Equal(t, in, o2.String())
	assert.Equal(t, o, o2)
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"zz" + "0000000000000000000000000000000000000",
		"b6fc4c620b67d95f953a5c1c1230aaab5db5a1bbb", // too long
	}
	for _, c := range cases {
		_, err := oid.Parse(c)
		assert.Error(t, err, "expected error for %q", c)
	}
}

func TestZeroIsSentinel(t *testing.T) {
	var z oid.OID
	assert.True(t, z.IsZero())

	nz, err := oid.Parse("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	require.NoError(t, err)
	assert.False(t, nz.IsZero())
}

func TestOrdering(t *testing.T) {
	a, _ := oid.Parse("000000000000000000000000000000000000000a")
	b, _ := oid.Parse("000000000000000000000000000000000000000b")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, 0, a.Compare(a))

	v := []oid.OID{b, a}
	sort.Sort(oid.ByOID(v))
	assert.Equal(t, []oid.OID{a, b}, v)
}

func TestSet(t *testing.T) {
	a, _ := oid.Parse("000000000000000000000000000000000000000a")
	b, _ := oid.Parse("000000000000000000000000000000000000000b")

	s := oid.NewSet(a)
	assert.True(t, s.Contains(a))
	assert.False(t, s.Contains(b))
	s.Add(b)
	assert.ElementsMatch(t, []oid.OID{a, b}, s.Elements())
}

func TestPrefixRange(t *testing.T) {
	full := "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0"

	lo, hi, err := oid.PrefixRange("b6fc4")
	require.NoError(t, err)
	full40, _ := oid.Parse(full)
	assert.True(t, lo.Compare(full40) <= 0)
	assert.True(t, hi.Compare(full40) >= 0)

	// odd-length prefix.
	lo2, hi2, err := oid.PrefixRange("b6f")
	require.NoError(t, err)
	assert.True(t, lo2.Compare(full40) <= 0)
	assert.True(t, hi2.Compare(full40) >= 0)

	_, _, err = oid.PrefixRange("")
	assert.Error(t, err)
	_, _, err = oid.PrefixRange("zz")
	assert.Error(t, err)
}

func TestHasPrefix(t *testing.T) {
	full, _ := oid.Parse("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	assert.True(t, oid.HasPrefix(full, "b6fc4"))
	assert.True(t, oid.HasPrefix(full, "B6FC4"))
	assert.False(t, oid.HasPrefix(full, "b6fd"))
}

func TestFastHashStable(t *testing.T) {
	a, _ := oid.Parse("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	assert.Equal(t, a.FastHash(), a.FastHash())

	b, _ := oid.Parse("000000000000000000000000000000000000000a")
	assert.NotEqual(t, a.FastHash(), b.FastHash())
}
