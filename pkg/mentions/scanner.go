// Package mentions detects references to canon entities inside fragment
// text. A single Aho-Corasick automaton compiled from entity names and
// aliases serves both exact alias lookup and linear-time text scanning.
package mentions

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"
	"github.com/orsinium-labs/stopwords"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/patch"
)

// minAliasRunes drops near-single-character aliases that would match
// almost anything. Only letters and digits count toward the minimum, so
// "T." is still one rune, not two.
const minAliasRunes = 2

// isJoiner reports punctuation that commonly appears inside names, such
// as "Monkey D. Luffy", "O'Brien", "Jean-Luc".
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '‘',
		'-', '–', '—',
		'·', '.', '_', '/', '#', '&':
		return true
	default:
		return false
	}
}

// Canonicalize folds text into the normalized form used for both pattern
// compilation and scanning: lowercase, joiners preserved, every other
// separator collapsed to a single space. Patterns and haystack must go
// through the same function or multiword matches break.
func Canonicalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	if n := len(result); n > 0 && result[n-1] == ' ' {
		result = result[:n-1]
	}
	return result
}

// Mention is a detected entity reference in the original text. Offsets
// are byte positions into the original, unmodified string.
type Mention struct {
	EntityID string
	Surface  string
	Start    int
	End      int
}

// Scanner matches fragment text against a compiled entity dictionary.
type Scanner struct {
	ac           *ahocorasick.Automaton
	patternToIDs [][]string
	patternIndex map[string]int
	stop         *stopwords.Stopwords
}

// Compile builds a scanner from the given entities. Names and aliases
// are canonicalized, deduplicated, and filtered: stopwords and aliases
// shorter than two runes never become patterns. Entities in a retconned
// or deprecated state are excluded.
func Compile(entities []*store.Entity) (*Scanner, error) {
	sc := &Scanner{
		patternIndex: make(map[string]int),
		stop:         stopwords.MustGet("en"),
	}

	var patterns []string
	for _, e := range entities {
		if e.Status == store.StatusRetconned || e.Status == store.StatusDeprecated {
			continue
		}
		surfaces := append([]string{e.Name}, e.Aliases...)
		for _, surface := range surfaces {
			key := Canonicalize(surface)
			if !sc.usable(key) {
				continue
			}
			if idx, ok := sc.patternIndex[key]; ok {
				sc.patternToIDs[idx] = appendUnique(sc.patternToIDs[idx], e.ID)
				continue
			}
			idx := len(patterns)
			patterns = append(patterns, key)
			sc.patternIndex[key] = idx
			sc.patternToIDs = append(sc.patternToIDs, []string{e.ID})
		}
	}

	if len(patterns) == 0 {
		return sc, nil
	}

	// LeftmostLongest so "San Francisco" wins over "San".
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	sc.ac = ac
	return sc, nil
}

// usable reports whether a canonicalized surface form may become a
// pattern.
func (s *Scanner) usable(key string) bool {
	substantive := 0
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			substantive++
		}
	}
	if substantive < minAliasRunes {
		return false
	}
	if s.stop != nil && !strings.Contains(key, " ") && s.stop.Contains(key) {
		return false
	}
	return true
}

// Known reports whether a surface form matches a compiled pattern.
func (s *Scanner) Known(surface string) bool {
	_, ok := s.patternIndex[Canonicalize(surface)]
	return ok
}

// Scan finds all entity mentions in text. The haystack is canonicalized
// with the same function used at compile time and match offsets are
// mapped back to the original bytes. A pattern shared by several
// entities yields one Mention per entity.
func (s *Scanner) Scan(text string) []Mention {
	if s.ac == nil || text == "" {
		return nil
	}

	canon := Canonicalize(text)
	canonToOrig := buildOffsetMap(text)

	matches := s.ac.FindAllOverlapping([]byte(canon))

	type rawSpan struct {
		start, end, pattern int
	}
	spans := make([]rawSpan, 0, len(matches))
	for _, m := range matches {
		start := mapOffset(m.Start, canonToOrig, len(text))
		end := mapOffset(m.End, canonToOrig, len(text))
		if start >= end || end > len(text) {
			continue
		}
		spans = append(spans, rawSpan{start: start, end: end, pattern: m.PatternID})
	}

	// Drop spans fully contained in a longer one so "San" never fires
	// inside "San Caldera". Text-order output, longest span first at each
	// position.
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	out := make([]Mention, 0, len(spans))
	coverEnd := -1
	for _, sp := range spans {
		if sp.end <= coverEnd {
			continue
		}
		if sp.end > coverEnd {
			coverEnd = sp.end
		}
		for _, id := range s.patternToIDs[sp.pattern] {
			out = append(out, Mention{
				EntityID: id,
				Surface:  text[sp.start:sp.end],
				Start:    sp.start,
				End:      sp.end,
			})
		}
	}
	return out
}

// SuggestRelationships turns co-mentions within a fragment into
// add-relationship operations linking the fragment's subject entity to
// every other entity mentioned in it. Duplicate pairs collapse; output
// order is deterministic. The caller stages the result as a patch with
// extraction provenance.
func (s *Scanner) SuggestRelationships(subjectEntityID, text, relType string) []store.PatchOp {
	seen := make(map[string]bool)
	var targets []string
	for _, m := range s.Scan(text) {
		if m.EntityID == subjectEntityID || seen[m.EntityID] {
			continue
		}
		seen[m.EntityID] = true
		targets = append(targets, m.EntityID)
	}
	sort.Strings(targets)

	ops := make([]store.PatchOp, 0, len(targets))
	for _, target := range targets {
		ops = append(ops, store.PatchOp{
			Kind:         store.OpAddRelationship,
			FromEntityID: subjectEntityID,
			ToEntityID:   target,
			RelType:      relType,
		})
	}
	return ops
}

// Stage wraps suggested operations into a pending patch via the engine.
// No mentions means no patch and no error.
func Stage(eng *patch.Engine, workspaceID, fragmentID string, ops []store.PatchOp) (*store.Patch, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	return eng.Propose(workspaceID, fragmentID, 0.5, ops)
}

// buildOffsetMap maps each byte of the canonicalized string back to its
// source position in the original. Must mirror Canonicalize exactly.
func buildOffsetMap(original string) []int {
	mapping := make([]int, 0, len(original)+1)

	lastWasSpace := true
	origPos := 0
	for _, ch := range original {
		runeLen := utf8.RuneLen(ch)
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			for i := 0; i < utf8.RuneLen(c); i++ {
				mapping = append(mapping, origPos)
			}
			lastWasSpace = false
		} else if !lastWasSpace {
			mapping = append(mapping, origPos)
			lastWasSpace = true
		}
		origPos += runeLen
	}

	mapping = append(mapping, origPos)
	return mapping
}

func mapOffset(canonOffset int, mapping []int, originalLen int) int {
	if canonOffset >= len(mapping) {
		return originalLen
	}
	if canonOffset < 0 {
		return 0
	}
	return mapping[canonOffset]
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
