package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-pipeline/internal/models"
)

func TestRankTierOrdering(t *testing.T) {
	md := models.Metadata{
		Title:   "The Hobbit",
		Authors: []string{"J. R. R. Tolkien"},
		Year:    1937,
		ISBN:    "0-261-10221-4",
	}
	records := []models.InventoryRecord{
		{ID: "fuzzy", Title: "Hobbitt", Year: 1999},
		{ID: "exact", Title: "the hobbit!", Authors: []string{"j r r tolkien"}, Year: 1937},
		{ID: "isbn", Title: "Der Hobbit", ISBN: "9780261102217"},
		{ID: "unrelated", Title: "Dune", Year: 1965},
	}

	got := Rank(md, records, Options{})
	require.Len(t, got, 3)
	assert.Equal(t, "isbn", got[0].RecordID)
	assert.Equal(t, models.MatchISBN, got[0].Reason)
	assert.Equal(t, "exact", got[1].RecordID)
	assert.Equal(t, models.MatchTitleAuthorYear, got[1].Reason)
	assert.Equal(t, "fuzzy", got[2].RecordID)
	assert.Equal(t, models.MatchFuzzyTitle, got[2].Reason)
	assert.Less(t, got[2].Score, 1.0)
}

func TestRankExactTitleWithoutYearFallsBackToFuzzy(t *testing.T) {
	md := models.Metadata{Title: "Dune", Authors: []string{"Frank Herbert"}}
	got := Rank(md, []models.InventoryRecord{{ID: "r1", Title: "Dune", Authors: []string{"Frank Herbert"}, Year: 1965}}, Options{})
	require.Len(t, got, 1)
	assert.Equal(t, models.MatchFuzzyTitle, got[0].Reason)
	assert.Equal(t, 1.0, got[0].Score)
}

func TestRankLimitAndTieBreak(t *testing.T) {
	md := models.Metadata{Title: "Emma"}
	records := []models.InventoryRecord{
		{ID: "c", Title: "Emma"},
		{ID: "a", Title: "Emma"},
		{ID: "b", Title: "Emma"},
	}
	got := Rank(md, records, Options{Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].RecordID)
	assert.Equal(t, "b", got[1].RecordID)
}

func TestNormalizeISBN(t *testing.T) {
	cases := map[string]string{
		"0-261-10221-4":     "9780261102217",
		"978-0-261-10221-7": "9780261102217",
		"080442957X":        "9780804429573",
		"12345":             "",
		"":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeISBN(in), in)
	}
}

func TestTitleKey(t *testing.T) {
	assert.Equal(t, "hobbit or there and back again", TitleKey("The Hobbit; or, There and Back Again"))
	assert.Equal(t, "a", TitleKey("A"))
	assert.Equal(t, "hobbit", SearchPrefix("hobbit or there"))
}
