// Package match ranks inventory catalog items against BOM entries and
// serves the free-text browse search. Both operations are pure reads over
// a catalog snapshot.
package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/hydrogen602/ElectronicsInventorySystem/internal/models"
)

// ErrLookupFailed wraps any catalog error so callers can distinguish an
// unreachable catalog from an empty result. Retrying is the caller's call.
var ErrLookupFailed = errors.New("inventory catalog lookup failed")

// DefaultLimit is the candidate count used when the caller passes limit <= 0.
const DefaultLimit = 10

// Catalog is the read side of the inventory store the matcher needs.
type Catalog interface {
	ListItems(ctx context.Context) ([]models.InventoryItem, error)
}

// Matcher scores catalog items against BOM entries.
type Matcher struct {
	catalog Catalog
}

func New(catalog Catalog) *Matcher {
	return &Matcher{catalog: catalog}
}

// Text-tier scoring weights. Part-number hits are counted per tier
// instead of weighted, so no amount of token overlap or substring hits
// can displace an exact match.
const (
	scoreSimilarManufacturer = 10
	scorePerSharedToken      = 5
)

// itemScore ranks lexicographically: exact part-number hits first, then
// substring part-number hits, then the fuzzy text score.
type itemScore struct {
	exactHits     int
	substringHits int
	textScore     int
}

func (s itemScore) positive() bool {
	return s.exactHits > 0 || s.substringHits > 0 || s.textScore > 0
}

// beats reports whether s ranks strictly ahead of other.
func (s itemScore) beats(other itemScore) bool {
	if s.exactHits != other.exactHits {
		return s.exactHits > other.exactHits
	}
	if s.substringHits != other.substringHits {
		return s.substringHits > other.substringHits
	}
	return s.textScore > other.textScore
}

// similarityThreshold is the normalized Levenshtein ratio above which two
// manufacturer names count as the same vendor. Manufacturers go by several
// spellings, e.g. "WURTH ELECTRONICS INC" vs "Würth Elektronik".
const similarityThreshold = 0.5

// Match ranks catalog items by similarity to entry and returns at most
// limit candidates, best first. Items with no overlap at all are excluded
// rather than returned with a zero score. The ordering is deterministic
// for identical (entry, catalog snapshot) pairs.
func (m *Matcher) Match(ctx context.Context, entry models.BomEntry, limit int) ([]models.InventoryItem, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	items, err := m.catalog.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	partNumbers := entry.PartNumberStrings()
	entryTokens := tokenize(
		entry.Device,
		deref(entry.Value),
		deref(entry.Description),
		deref(entry.Manufacturer),
	)

	type scored struct {
		item  models.InventoryItem
		score itemScore
	}
	candidates := make([]scored, 0, len(items))
	for _, item := range items {
		if s := scoreItem(item, partNumbers, entryTokens, deref(entry.Manufacturer)); s.positive() {
			candidates = append(candidates, scored{item: item, score: s})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score.beats(candidates[j].score)
		}
		if candidates[i].item.AvailableQuantity != candidates[j].item.AvailableQuantity {
			return candidates[i].item.AvailableQuantity > candidates[j].item.AvailableQuantity
		}
		return candidates[i].item.ID < candidates[j].item.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]models.InventoryItem, len(candidates))
	for i, c := range candidates {
		out[i] = c.item
	}
	return out, nil
}

// Search returns every item with the query as a case-insensitive substring
// of its description, comments, manufacturer name, or part-number fields.
// This is the browse fallback; no ranking beyond catalog order. An empty
// or whitespace-only query yields an empty result, not the full catalog.
func (m *Matcher) Search(ctx context.Context, query string) ([]models.InventoryItem, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	items, err := m.catalog.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	var out []models.InventoryItem
	for _, item := range items {
		if containsFold(item.ItemDescription, query) ||
			containsFold(item.Comments, query) ||
			containsFold(item.ManufacturerName, query) ||
			containsFold(item.ManufacturerPartNumber, query) ||
			containsFold(deref(item.VendorPartNumber), query) {
			out = append(out, item)
		}
	}
	return out, nil
}

func scoreItem(item models.InventoryItem, partNumbers []string, entryTokens map[string]struct{}, entryManufacturer string) itemScore {
	var score itemScore

	itemPartNumbers := []string{item.ManufacturerPartNumber, deref(item.VendorPartNumber)}
	for _, p := range partNumbers {
		exact, substring := false, false
		for _, ip := range itemPartNumbers {
			if ip == "" || p == "" {
				continue
			}
			switch {
			case strings.EqualFold(p, ip):
				exact = true
			case containsFold(ip, p) || containsFold(p, ip):
				substring = true
			}
		}
		switch {
		case exact:
			score.exactHits++
		case substring:
			score.substringHits++
		}
	}

	itemTokens := tokenize(item.ItemDescription, item.ManufacturerName, item.Comments)
	for tok := range entryTokens {
		if _, ok := itemTokens[tok]; ok {
			score.textScore += scorePerSharedToken
		}
	}

	if entryManufacturer != "" && item.ManufacturerName != "" &&
		relativelySimilar(entryManufacturer, item.ManufacturerName) {
		score.textScore += scoreSimilarManufacturer
	}

	return score
}

// relativelySimilar reports whether two strings are kinda the same after
// case, whitespace, and punctuation normalization.
func relativelySimilar(a, b string) bool {
	a = normalize(a)
	b = normalize(b)
	if a == "" || b == "" {
		return false
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	distance := levenshtein.ComputeDistance(a, b)
	ratio := 1.0 - float64(distance)/float64(longest)
	return ratio >= similarityThreshold
}

func normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		if isAlnum(r) || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenize(fields ...string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, f := range fields {
		for _, tok := range strings.FieldsFunc(strings.ToLower(f), func(r rune) bool {
			return !isAlnum(r)
		}) {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
