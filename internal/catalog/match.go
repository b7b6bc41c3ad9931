// Package catalog ranks existing inventory records against freshly extracted metadata.
package catalog

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"

	"catalog-pipeline/internal/models"
)

const (
	DefaultFuzzyThreshold = 0.8
	DefaultLimit          = 10
)

// Options tunes Rank.
type Options struct {
	FuzzyThreshold float64
	Limit          int
}

func (o Options) withDefaults() Options {
	if o.FuzzyThreshold <= 0 || o.FuzzyThreshold > 1 {
		o.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	return o
}

var tierRank = map[models.MatchReason]int{
	models.MatchISBN:            3,
	models.MatchTitleAuthorYear: 2,
	models.MatchFuzzyTitle:      1,
}

// Rank returns candidate matches ordered ISBN > title+author+year > fuzzy title,
// then by score and record id. It never picks a single winner.
func Rank(md models.Metadata, records []models.InventoryRecord, opts Options) []models.CandidateMatch {
	opts = opts.withDefaults()
	isbn := NormalizeISBN(md.ISBN)
	titleKey := TitleKey(md.Title)
	authors := authorSet(md.Authors)

	out := make([]models.CandidateMatch, 0, len(records))
	for _, rec := range records {
		reason, score, ok := classify(isbn, titleKey, authors, md.Year, rec, opts.FuzzyThreshold)
		if !ok {
			continue
		}
		out = append(out, models.CandidateMatch{
			RecordID: rec.ID,
			Title:    rec.Title,
			Authors:  rec.Authors,
			Year:     rec.Year,
			ISBN:     rec.ISBN,
			Reason:   reason,
			Score:    score,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := tierRank[out[i].Reason], tierRank[out[j].Reason]
		if ri != rj {
			return ri > rj
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RecordID < out[j].RecordID
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func classify(isbn, titleKey string, authors map[string]bool, year int, rec models.InventoryRecord, threshold float64) (models.MatchReason, float64, bool) {
	if isbn != "" && isbn == NormalizeISBN(rec.ISBN) {
		return models.MatchISBN, 1, true
	}
	recKey := TitleKey(rec.Title)
	if titleKey == "" || recKey == "" {
		return "", 0, false
	}
	if titleKey == recKey && year != 0 && year == rec.Year && overlaps(authors, rec.Authors) {
		return models.MatchTitleAuthorYear, 1, true
	}
	sim := levenshtein.Similarity(titleKey, recKey, nil)
	if sim >= threshold {
		return models.MatchFuzzyTitle, sim, true
	}
	return "", 0, false
}

func overlaps(set map[string]bool, authors []string) bool {
	for _, a := range authors {
		if set[normalizeWords(a)] {
			return true
		}
	}
	return false
}

func authorSet(authors []string) map[string]bool {
	set := make(map[string]bool, len(authors))
	for _, a := range authors {
		if n := normalizeWords(a); n != "" {
			set[n] = true
		}
	}
	return set
}

var leadingArticles = []string{"the ", "a ", "an "}

// TitleKey normalises a title for comparison: lowercase, punctuation dropped,
// whitespace collapsed and a leading English article removed.
func TitleKey(title string) string {
	key := normalizeWords(title)
	for _, art := range leadingArticles {
		if strings.HasPrefix(key, art) && len(key) > len(art) {
			return key[len(art):]
		}
	}
	return key
}

// SearchPrefix is the first word of a title key, used to narrow candidate lookups.
func SearchPrefix(titleKey string) string {
	if i := strings.IndexByte(titleKey, ' '); i > 0 {
		return titleKey[:i]
	}
	return titleKey
}

func normalizeWords(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// NormalizeISBN strips separators and converts ISBN-10 to ISBN-13. Invalid input yields "".
func NormalizeISBN(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsDigit(r) || r == 'X' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	switch len(s) {
	case 13:
		if strings.ContainsRune(s, 'X') {
			return ""
		}
		return s
	case 10:
		return isbn10To13(s)
	default:
		return ""
	}
}

func isbn10To13(s string) string {
	if strings.ContainsRune(s[:9], 'X') {
		return ""
	}
	core := "978" + s[:9]
	sum := 0
	for i, r := range core {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return core + strconv.Itoa(check)
}
