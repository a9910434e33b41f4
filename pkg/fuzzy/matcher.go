// Package fuzzy provides fuzzy matching for filtering the video list by title
package fuzzy

import (
	"sort"
	"strings"
)

// Matcher provides fuzzy matching functionality
type Matcher struct{}

// NewMatcher creates a new fuzzy matcher
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Filter returns the items whose text matches query, best match first.
// Items that score equally keep their original order. An empty query keeps everything.
func Filter[T any](m *Matcher, query string, items []T, text func(T) string) []T {
	if strings.TrimSpace(query) == "" {
		return items
	}

	type scoredItem struct {
		item  T
		score float64
	}

	var scored []scoredItem
	for _, item := range items {
		if score := m.Score(query, text(item)); score > 0 {
			scored = append(scored, scoredItem{item: item, score: score})
		}
	}

	// Sort by score descending
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	result := make([]T, 0, len(scored))
	for _, s := range scored {
		result = append(result, s.item)
	}
	return result
}

// Score rates how well text matches query, from 0 (no match) to 1.
// Every query word has to appear in text, either as a whole word or inside one.
func (m *Matcher) Score(query, text string) float64 {
	queryWords := words(query)
	textWords := words(text)
	if len(queryWords) == 0 {
		return 1
	}
	if len(textWords) == 0 {
		return 0
	}

	var exact, partial int
	for _, qWord := range queryWords {
		found := false
		for _, tWord := range textWords {
			if qWord == tWord {
				exact++
				found = true
				break
			}
		}
		if found {
			continue
		}
		for _, tWord := range textWords {
			if strings.Contains(tWord, qWord) {
				partial++
				found = true
				break
			}
		}
		if !found {
			return 0
		}
	}

	// Partial hits count half; more of the title covered scores higher
	score := (float64(exact) + float64(partial)*0.5) / float64(len(textWords))
	return min(score, 1)
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == ' ' || r == ':' || r == '|' || r == ','
	})
}
