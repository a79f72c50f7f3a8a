package expect

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContains(t *testing.T) {
	tests := []struct {
		name       string
		needle     string
		text       string
		ok         bool
		start, end int
	}{
		{"first occurrence", "ab", "xxabyyab", true, 2, 4},
		{"absent", "zz", "xxabyy", false, 0, 0},
		{"at start", "x", "xyz", true, 0, 1},
		{"empty text", "x", "", false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := Contains(tt.needle).find(tt.text, false)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.start, s.start)
				assert.Equal(t, tt.end, s.end)
				assert.Equal(t, []string{tt.needle}, s.groups)
			}
		})
	}
}

func TestRegexp_Groups(t *testing.T) {
	p := MustRegexp(`# of expected passes\s+(\d+)`)

	s, ok := p.find("noise\n# of expected passes\t\t476\nmore", false)
	require.True(t, ok)
	require.Len(t, s.groups, 2)
	assert.Equal(t, "476", s.groups[1])
	assert.Equal(t, 6, s.start)
}

func TestRegexp_LeftmostFirst(t *testing.T) {
	s, ok := Regexp(regexp.MustCompile(`a+|b`)).find("xbaa", false)
	require.True(t, ok)
	assert.Equal(t, "b", s.groups[0])
}

func TestRegexp_UnmatchedOptionalGroupIsEmpty(t *testing.T) {
	s, ok := MustRegexp(`(x)?y`).find("y", false)
	require.True(t, ok)
	assert.Equal(t, []string{"y", ""}, s.groups)
}

func TestMustRegexp_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { MustRegexp(`(`) })
}

func TestEOF(t *testing.T) {
	_, ok := EOF().find("tail", false)
	assert.False(t, ok, "eof must not match an open stream")

	s, ok := EOF().find("tail", true)
	require.True(t, ok)
	assert.Equal(t, 0, s.start)
	assert.Equal(t, 4, s.end)
}

func TestAny_EarliestStartWins(t *testing.T) {
	p := Any(Contains("world"), Contains("hello"))

	s, ok := p.find("hello world", false)
	require.True(t, ok)
	assert.Equal(t, 1, s.index)
	assert.Equal(t, 0, s.start)
}

func TestAny_TieGoesToFirstListed(t *testing.T) {
	p := Any(Contains("abc"), Contains("ab"))

	s, ok := p.find("abcd", false)
	require.True(t, ok)
	assert.Equal(t, 0, s.index)
	assert.Equal(t, 3, s.end)
}

func TestAny_EOFOnlyWhenNothingElseMatches(t *testing.T) {
	p := Any(EOF(), Contains("done"))

	s, ok := p.find("all done", true)
	require.True(t, ok)
	assert.Equal(t, 1, s.index)

	s, ok = p.find("crashed", true)
	require.True(t, ok)
	assert.Equal(t, 0, s.index)
	assert.Equal(t, "crashed", s.groups[0])

	_, ok = p.find("crashed", false)
	assert.False(t, ok)
}

func TestAny_NoMatch(t *testing.T) {
	_, ok := Any(Contains("a"), Contains("b")).find("xyz", false)
	assert.False(t, ok)

	_, ok = Any().find("xyz", true)
	assert.False(t, ok)
}

func TestPattern_String(t *testing.T) {
	assert.Equal(t, `contains("476")`, Contains("476").String())
	assert.Equal(t, `regexp("\\d+")`, MustRegexp(`\d+`).String())
	assert.Equal(t, "eof()", EOF().String())
	assert.Equal(t, `any(contains("a"), eof())`, Any(Contains("a"), EOF()).String())
}
