package tile

import (
	"encoding/json"
	"testing"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	t.Parallel()

	k := Key{Level: 4, X: 2, Y: 3}
	assert.Equal(t, "4,2,3", k.String())

	parsed, err := ParseKey("4, 2 ,3")
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseKeyRejects(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "1,2", "1,2,3,4", "a,1,1", "-1,0,0", "1,,1"} {
		_, err := ParseKey(s)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", s)
	}
}

func TestKeyAsJSONMapKey(t *testing.T) {
	t.Parallel()

	m := map[Key]int{{Level: 1, X: 0, Y: 1}: 7}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"1,0,1":7}`, string(b))

	var back map[Key]int
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m, back)
}

func TestEntryCloneDropsEmptyBins(t *testing.T) {
	t.Parallel()

	a := annotation.Annotation{X: 1, Y: 1, Data: annotation.Data{Title: "t", Comment: "c"}}
	e := Entry{
		Key: Key{Level: 1},
		Bins: Bins{
			"0,0": {a},
			"1,1": {},
		},
	}

	c := e.Clone()
	_, ok := c.Bin("1,1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Bins["0,0"][0].X = 5
	assert.Equal(t, 1.0, e.Bins["0,0"][0].X, "clone must not share bin slices")
}
