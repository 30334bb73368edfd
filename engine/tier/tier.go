package tier

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyLadder    = errors.New("tier: ladder requires at least one tier")
	ErrDuplicateName  = errors.New("tier: duplicate tier name")
	ErrNegativeBound  = errors.New("tier: minLocked must not be negative")
	ErrUnorderedTiers = errors.New("tier: minLocked must increase with sort order")
)

// StatusTier is a single rung of the status ladder. Tiers are admin-owned
// configuration; the engine only reads them.
type StatusTier struct {
	Name      string
	Label     string
	MinLocked int64
	Benefits  []string
	SortOrder int
}

// Zero is the built-in "no status" tier returned when a member's locked
// balance qualifies for nothing on the ladder.
var Zero = StatusTier{Name: "none", Label: "No Status", MinLocked: 0, SortOrder: -1}

// Ladder is an ordered, validated set of status tiers. The locked-token axis is
// partitioned by MinLocked bounds; the top tier is unbounded above.
type Ladder struct {
	tiers []StatusTier
	ranks map[string]int
}

// NewLadder validates and orders the configured tiers. Gaps between bounds are
// permitted; resolution always takes the nearest qualifying tier below.
func NewLadder(tiers []StatusTier) (*Ladder, error) {
	if len(tiers) == 0 {
		return nil, ErrEmptyLadder
	}
	ordered := make([]StatusTier, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SortOrder < ordered[j].SortOrder
	})
	ranks := make(map[string]int, len(ordered))
	prev := int64(-1)
	for i := range ordered {
		name := normalizeName(ordered[i].Name)
		if name == "" {
			return nil, fmt.Errorf("tier: tier %d missing name", i)
		}
		if _, exists := ranks[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		if ordered[i].MinLocked < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNegativeBound, name)
		}
		if ordered[i].MinLocked <= prev && i > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnorderedTiers, name)
		}
		prev = ordered[i].MinLocked
		ordered[i].Name = name
		ranks[name] = i
	}
	return &Ladder{tiers: ordered, ranks: ranks}, nil
}

// Tiers returns the ladder in ascending order.
func (l *Ladder) Tiers() []StatusTier {
	out := make([]StatusTier, len(l.tiers))
	copy(out, l.tiers)
	return out
}

// Rank reports the position of a named tier within the ladder. Unknown names
// report ok=false; callers that gate eligibility must fail closed on that.
func (l *Ladder) Rank(name string) (int, bool) {
	if l == nil {
		return -1, false
	}
	rank, ok := l.ranks[normalizeName(name)]
	return rank, ok
}

// Resolution is the outcome of resolving a locked balance against the ladder.
type Resolution struct {
	Tier        StatusTier
	NextTier    *StatusTier
	ProgressPct float64
}

// Resolve computes the member's current tier, the next tier up, and the
// percentage progress towards it. Pure; safe for concurrent use.
func (l *Ladder) Resolve(totalLocked int64) Resolution {
	if totalLocked < 0 {
		totalLocked = 0
	}
	current := Zero
	var next *StatusTier
	for i := range l.tiers {
		if l.tiers[i].MinLocked <= totalLocked {
			current = l.tiers[i]
			continue
		}
		t := l.tiers[i]
		next = &t
		break
	}
	if next == nil {
		return Resolution{Tier: current, ProgressPct: 100}
	}
	span := next.MinLocked - current.MinLocked
	if span <= 0 {
		return Resolution{Tier: current, NextTier: next, ProgressPct: 0}
	}
	pct := float64(totalLocked-current.MinLocked) / float64(span) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return Resolution{Tier: current, NextTier: next, ProgressPct: pct}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
