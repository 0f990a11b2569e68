package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_Overlaps(t *testing.T) {
	a := NewSegment(0, 100)

	assert.True(t, a.Overlaps(NewSegment(50, 100)))
	assert.True(t, a.Overlaps(NewSegment(10, 10)))
	assert.False(t, a.Overlaps(NewSegment(100, 10)), "touching ranges do not overlap")
	assert.False(t, a.Overlaps(NewSegment(200, 10)))
	assert.False(t, a.Overlaps(NewSegment(50, 0)), "empty range overlaps nothing")
	assert.False(t, NewSegment(50, 0).Overlaps(a), "empty range overlaps nothing")
	assert.False(t, NewSegment(50, 0).Overlaps(NewSegment(50, 0)))
}

func TestSegment_Contains(t *testing.T) {
	a := NewSegment(100, 100)

	assert.True(t, a.Contains(NewSegment(100, 100)))
	assert.True(t, a.Contains(NewSegment(150, 50)))
	assert.False(t, a.Contains(NewSegment(150, 51)))
	assert.False(t, a.Contains(NewSegment(99, 10)))
}

func TestSegment_Sentinels(t *testing.T) {
	assert.True(t, WholeFile.IsWholeFile())
	assert.False(t, WholeFile.IsBusy())
	assert.True(t, Busy.IsBusy())
	assert.False(t, Busy.IsEmpty())
	assert.True(t, Segment{}.IsEmpty())
	assert.False(t, NewSegment(0, 10).IsEmpty())
}

func TestTTH_RoundTrip(t *testing.T) {
	var tth TTH
	for i := range tth {
		tth[i] = byte(i * 7)
	}

	s := tth.Base32()
	require.Len(t, s, 39)

	parsed, err := ParseTTH(s)
	require.NoError(t, err)
	assert.Equal(t, tth, parsed)

	_, err = ParseTTH("AAAA")
	assert.Error(t, err)
}

func TestSourceFlags_String(t *testing.T) {
	assert.Equal(t, "none", SourceNone.String())
	assert.Equal(t, "passive|partial", (SourcePassive | SourcePartial).String())
	assert.Equal(t, SourceFlags(0x100), SourcePartial)
	assert.Equal(t, SourceFlags(0x400), SourceUntrusted)
	assert.False(t, SourceFlagMask.Has(SourcePartial))
}

func TestPriority_Parse(t *testing.T) {
	for p := PriorityDefault; p <= PriorityHighest; p++ {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}
