package mentions

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/orsinium-labs/stopwords"

	"github.com/kittclouds/lorekit/internal/store"
)

// DefaultPromotionThreshold is how many sightings a candidate needs
// before it is worth proposing as an entity.
const DefaultPromotionThreshold = 3

// CandidateStatus tracks the lifecycle of a discovery candidate.
type CandidateStatus int

const (
	StatusWatching CandidateStatus = iota
	StatusPromoted
	StatusIgnored
)

// Candidate is a recurring, unrecognized proper noun under observation.
type Candidate struct {
	Display string
	Count   int
	Status  CandidateStatus
}

// Discovery watches fragment text for capitalized tokens that match no
// compiled entity and promotes the ones that keep recurring. Promoted
// candidates become insert-entity proposals; nothing enters canon
// without review.
type Discovery struct {
	scanner   *Scanner
	threshold int
	stop      *stopwords.Stopwords
	stats     map[string]*Candidate
	promoted  []string // canonical keys in promotion order
}

// NewDiscovery creates a discovery watcher over the given scanner.
// threshold <= 0 uses the default.
func NewDiscovery(sc *Scanner, threshold int) *Discovery {
	if threshold <= 0 {
		threshold = DefaultPromotionThreshold
	}
	return &Discovery{
		scanner:   sc,
		threshold: threshold,
		stop:      stopwords.MustGet("en"),
		stats:     make(map[string]*Candidate),
	}
}

// Ignore marks a surface form as permanently uninteresting.
func (d *Discovery) Ignore(raw string) {
	key := Canonicalize(raw)
	if key == "" {
		return
	}
	c, ok := d.stats[key]
	if !ok {
		c = &Candidate{Display: raw}
		d.stats[key] = c
	}
	c.Status = StatusIgnored
}

// Observe scans text for candidate tokens and returns the surface forms
// promoted by this call.
func (d *Discovery) Observe(text string) []string {
	var promoted []string
	for _, tok := range strings.Fields(text) {
		display := strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if !isCapitalized(display) {
			continue
		}
		key := Canonicalize(display)
		if !d.candidateKey(key) {
			continue
		}

		c, ok := d.stats[key]
		if !ok {
			c = &Candidate{Display: display}
			d.stats[key] = c
		}
		c.Count++
		if c.Status != StatusWatching {
			continue
		}
		if c.Count >= d.threshold {
			c.Status = StatusPromoted
			d.promoted = append(d.promoted, key)
			promoted = append(promoted, c.Display)
		}
	}
	return promoted
}

// candidateKey reports whether a canonical key is worth tracking: long
// enough, not a stopword, and not already a known entity.
func (d *Discovery) candidateKey(key string) bool {
	if utf8.RuneCountInString(key) < minAliasRunes {
		return false
	}
	if d.stop != nil && d.stop.Contains(key) {
		return false
	}
	if d.scanner != nil && d.scanner.Known(key) {
		return false
	}
	return true
}

// Candidates returns every tracked candidate, most seen first.
func (d *Discovery) Candidates() []Candidate {
	out := make([]Candidate, 0, len(d.stats))
	for _, c := range d.stats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Display < out[j].Display
	})
	return out
}

// ProposeEntities drains promoted candidates into insert-entity
// operations for review. Each proposed entity starts in draft; accepting
// the patch creates it, rejecting discards it. Candidates stay promoted
// so they are not re-proposed on the next call.
func (d *Discovery) ProposeEntities(workspaceID, entityType string) []store.PatchOp {
	ops := make([]store.PatchOp, 0, len(d.promoted))
	for _, key := range d.promoted {
		c := d.stats[key]
		if c == nil || c.Status != StatusPromoted {
			continue
		}
		ops = append(ops, store.PatchOp{
			Kind: store.OpInsertEntity,
			Entity: &store.Entity{
				ID:          uuid.NewString(),
				WorkspaceID: workspaceID,
				EntityType:  entityType,
				Name:        c.Display,
				Status:      store.StatusProposed,
			},
		})
	}
	d.promoted = d.promoted[:0]
	return ops
}

func isCapitalized(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}
