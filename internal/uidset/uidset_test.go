package uidset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	cases := []struct {
		in   []int64
		want string
	}{
		{nil, ""},
		{[]int64{}, ""},
		{[]int64{1, 2, 3, 4, 5, 10, 12, 13}, "1:5,10,12:13"},
		{[]int64{7}, "7"},
		{[]int64{5, 4, 3, 2, 1}, "1:5"},
		{[]int64{1, 1, 2, 2, 3}, "1:3"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Format(c.in))
	}
}

func TestParse(t *testing.T) {
	got, err := Parse("1:3,7")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 7}, got)

	_, err = Parse("")
	assert.Error(t, err)

	_, err = Parse("5:2")
	assert.Error(t, err)

	_, err = Parse("a:b")
	assert.Error(t, err)
}

func TestFormatParseRoundTrip(t *testing.T) {
	inputs := [][]int64{
		{1, 2, 3, 4, 5, 10, 12, 13},
		{100},
		{1, 3, 5, 7, 9},
		{1, 2, 3},
	}
	for _, in := range inputs {
		formatted := Format(in)
		parsed, err := Parse(formatted)
		require.NoError(t, err)
		assert.Equal(t, in, parsed)

		// Re-formatting the parsed output must be a fixed point.
		assert.Equal(t, formatted, Format(parsed))
	}
}
