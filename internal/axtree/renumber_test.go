package axtree

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestRenumber_NoMarkersIsIdentity(t *testing.T) {
	inputs := []string{
		"",
		"plain text without markers",
		"[abc] not a marker",
		"[12]no space after bracket",
		"[1-] [-2] [1-2-3] [ 4] ",
		"array[0]\n",
	}
	for _, in := range inputs {
		res := Renumber(in, map[string]string{"12": "loc"})
		assert.Equal(t, in, res.Tree, "input %q", in)
		assert.NotNil(t, res.Locators)
		assert.Empty(t, res.Locators, "input %q", in)
	}
}

func TestRenumber_EmptyInput(t *testing.T) {
	res := Renumber("", nil)
	assert.Equal(t, "", res.Tree)
	assert.Equal(t, []*string{}, res.Locators)
}

func TestRenumber_Density(t *testing.T) {
	in := "[907] RootWebArea: Home\n  [14] link: About\n  [3-2] group\n    [2000] button: Go"
	res := Renumber(in, nil)

	want := "[0] RootWebArea: Home\n  [1] link: About\n  [2] group\n    [3] button: Go"
	assert.Equal(t, want, res.Tree)
	assert.Len(t, res.Locators, 4)
	for i, l := range res.Locators {
		assert.Nil(t, l, "slot %d", i)
	}
}

func TestRenumber_LengthDeltaPreservesSurroundingText(t *testing.T) {
	in := "head [3] a\t[42] bb  [7-15] ccc\n[123456] tail ]["
	res := Renumber(in, nil)

	assert.Equal(t, "head [0] a\t[1] bb  [2] ccc\n[3] tail ][", res.Tree)

	// Everything between markers must match the original exactly.
	orig := markerPattern.Split(in, -1)
	got := markerPattern.Split(res.Tree, -1)
	require.Equal(t, len(orig), len(got))
	for i := range orig {
		assert.Equal(t, orig[i], got[i], "segment %d", i)
	}
}

func TestRenumber_LocatorAlignment(t *testing.T) {
	tree := "[5] apple [9-2] banana"

	res := Renumber(tree, map[string]string{"5": "loc-A"})
	assert.Equal(t, "[0] apple [1] banana", res.Tree)
	assert.Equal(t, []*string{ptr("loc-A"), nil}, res.Locators)

	res = Renumber(tree, map[string]string{"5": "loc-A", "9-2": "loc-B"})
	assert.Equal(t, "[0] apple [1] banana", res.Tree)
	assert.Equal(t, []*string{ptr("loc-A"), ptr("loc-B")}, res.Locators)
}

func TestRenumber_DuplicateIDs(t *testing.T) {
	res := Renumber("[5] x [5] y", map[string]string{"5": "loc-Z"})
	assert.Equal(t, "[0] x [1] y", res.Tree)
	assert.Equal(t, []*string{ptr("loc-Z"), ptr("loc-Z")}, res.Locators)

	// Slots must not alias each other.
	require.NotNil(t, res.Locators[0])
	assert.NotSame(t, res.Locators[0], res.Locators[1])
}

func TestRenumber_StructureIsIdempotent(t *testing.T) {
	first := Renumber("[8] a [31-2] b [4] c", map[string]string{"8": "x", "4": "y"})
	second := Renumber(first.Tree, map[string]string{"8": "x", "4": "y"})

	assert.Equal(t, first.Tree, second.Tree)
	assert.Len(t, second.Locators, len(first.Locators))
	// The second map is keyed by the old ids, so the lookups now miss.
	assert.Equal(t, []*string{nil, nil, nil}, second.Locators)
}

func TestRenumber_DoesNotMatchInsideLargerBrackets(t *testing.T) {
	res := Renumber("[[12] ] and [x[3] y]", map[string]string{"12": "a", "3": "b"})
	assert.Equal(t, "[[0] ] and [x[1] y]", res.Tree)
	assert.Equal(t, []*string{ptr("a"), ptr("b")}, res.Locators)
}

func TestRenumber_AdjacentMarkers(t *testing.T) {
	res := Renumber("[10] [20] [30] end", map[string]string{"20": "mid"})
	assert.Equal(t, "[0] [1] [2] end", res.Tree)
	assert.Equal(t, []*string{nil, ptr("mid"), nil}, res.Locators)
}

func TestRenumber_ManyMarkers(t *testing.T) {
	var in, want strings.Builder
	locs := map[string]string{}
	for i := 0; i < 250; i++ {
		id := fmt.Sprint(1000 - i*3)
		fmt.Fprintf(&in, "  [%s] item %d\n", id, i)
		fmt.Fprintf(&want, "  [%d] item %d\n", i, i)
		locs[id] = "/html[1]/body[1]/li[" + fmt.Sprint(i+1) + "]"
	}
	res := Renumber(in.String(), locs)
	assert.Equal(t, want.String(), res.Tree)
	require.Len(t, res.Locators, 250)
	assert.Equal(t, "/html[1]/body[1]/li[250]", *res.Locators[249])
}

func TestRenumber_ConcurrentCalls(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprint(i + 100)
			res := Renumber("["+id+"] node", map[string]string{id: id})
			assert.Equal(t, "[0] node", res.Tree)
			assert.Equal(t, []*string{ptr(id)}, res.Locators)
		}(i)
	}
	wg.Wait()
}

func TestMarkerIDs(t *testing.T) {
	assert.Equal(t, []string{"5", "9-2", "5"}, MarkerIDs("[5] a [9-2] b [5] c [x] "))
	assert.Empty(t, MarkerIDs("nothing"))
}

func TestIsGroupingID(t *testing.T) {
	assert.True(t, IsGroupingID("9-2"))
	assert.False(t, IsGroupingID("92"))
}
