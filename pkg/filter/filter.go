// Package filter implements the consumer-side dynamic filter engine: a
// mutable, per-stream_id set of Include/Exclude criteria, evaluated against
// each outgoing envelope in the exact order spec §4.3 requires.
package filter

import (
	"regexp"
	"sync"

	"github.com/repliq/repliq/pkg/envelope"
)

// Kind tags the criterion variant.
type Kind int

const (
	ExcludeTags Kind = iota
	IncludeTags
	ExcludeEntityIDs
	IncludeEntityIDs
	ExcludeRegexEntityIDs
	IncludeRegexEntityIDs
)

// Criterion is one tagged filter rule. Values holds the literal tag/entity-id
// set (for the Tags/EntityIds kinds) or a single regex pattern (for the
// Regex kinds). ReplayFrom is only meaningful on IncludeEntityIDs and carries
// the optional per-entity replay floor described in spec §4.3.
type Criterion struct {
	Kind       Kind
	Values     []string
	ReplayFrom map[string]int64
}

// equal compares two criteria by value, per spec §3: "Remove operates by
// value equality on the original Add".
func (c Criterion) equal(other Criterion) bool {
	if c.Kind != other.Kind || len(c.Values) != len(other.Values) {
		return false
	}
	want := make(map[string]struct{}, len(c.Values))
	for _, v := range c.Values {
		want[v] = struct{}{}
	}
	for _, v := range other.Values {
		if _, ok := want[v]; !ok {
			return false
		}
	}
	return true
}

// maxCriteria bounds the per-stream_id criteria set, per spec §5.
const maxCriteria = 256

type entry struct {
	criterion Criterion
	regex     *regexp.Regexp // non-nil only for the Regex kinds
}

// Set is the mutable, concurrency-safe filter state for one stream_id. It
// survives worker restarts by living in the caller's replicated map (see
// producer.FilterStore); Set itself is the local, in-process view of one
// node's copy of that map.
type Set struct {
	mu      sync.RWMutex
	entries []entry
}

// NewSet returns an empty filter set; an empty set excludes nothing.
func NewSet() *Set {
	return &Set{}
}

// Add applies an Add mutation. Adding an already-present criterion is a
// no-op (idempotent per criterion instance, spec §4.3).
func (s *Set) Add(c Criterion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.criterion.equal(c) {
			return nil
		}
	}
	if len(s.entries) >= maxCriteria {
		return ErrTooManyCriteria
	}

	e := entry{criterion: c}
	if c.Kind == ExcludeRegexEntityIDs || c.Kind == IncludeRegexEntityIDs {
		if len(c.Values) == 0 {
			return ErrEmptyPattern
		}
		re, err := regexp.Compile(c.Values[0])
		if err != nil {
			return err
		}
		e.regex = re
	}
	s.entries = append(s.entries, e)
	return nil
}

// Remove applies a Remove mutation. Removing an absent criterion is a
// no-op. Last-writer-wins semantics across nodes (spec §5) are the caller's
// (producer.FilterStore's) responsibility when propagating the replicated
// map; within one Set, Remove deletes every criterion equal to c.
func (s *Set) Remove(c Criterion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.criterion.equal(c) {
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
}

// Snapshot returns a copy of the current criteria, safe to retain and to
// re-send on a reconnect (spec §4.5: "followed by the current consumer
// filter snapshot").
func (s *Set) Snapshot() []Criterion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Criterion, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.criterion
	}
	return out
}

// Decision is the outcome of evaluating an envelope against a Set.
type Decision int

const (
	// Emit means the envelope should be serialized and sent as a full Event.
	Emit Decision = iota
	// Suppress means the envelope should be sent as a FilteredEvent
	// placeholder: the consumer filter excluded it.
	Suppress
)

// Evaluate implements the exact evaluation order required by spec §4.3:
//  1. If any Exclude* criterion matches, tentatively suppress.
//  2. If suppressed, evaluate Include*; any match re-includes.
//  3. If no Exclude* matches, emit.
func (s *Set) Evaluate(env envelope.EventEnvelope) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	excluded := false
	for _, e := range s.entries {
		if isExclude(e.criterion.Kind) && matches(e, env) {
			excluded = true
			break
		}
	}
	if !excluded {
		return Emit
	}
	for _, e := range s.entries {
		if isInclude(e.criterion.Kind) && matches(e, env) {
			return Emit
		}
	}
	return Suppress
}

// ReplayFloor returns the replay seq_nr floor carried by any
// IncludeEntityIDs criterion matching pid, and whether one was found.
func (s *Set) ReplayFloor(pid string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.criterion.Kind != IncludeEntityIDs || e.criterion.ReplayFrom == nil {
			continue
		}
		if floor, ok := e.criterion.ReplayFrom[pid]; ok {
			return floor, true
		}
	}
	return 0, false
}

func isExclude(k Kind) bool {
	return k == ExcludeTags || k == ExcludeEntityIDs || k == ExcludeRegexEntityIDs
}

func isInclude(k Kind) bool {
	return k == IncludeTags || k == IncludeEntityIDs || k == IncludeRegexEntityIDs
}

func matches(e entry, env envelope.EventEnvelope) bool {
	switch e.criterion.Kind {
	case ExcludeTags, IncludeTags:
		return anyTagMatches(e.criterion.Values, env.Tags)
	case ExcludeEntityIDs, IncludeEntityIDs:
		return containsString(e.criterion.Values, env.PersistenceID)
	case ExcludeRegexEntityIDs, IncludeRegexEntityIDs:
		return e.regex != nil && e.regex.MatchString(env.PersistenceID)
	}
	return false
}

func anyTagMatches(want []string, have []string) bool {
	haveSet := make(map[string]struct{}, len(have))
	for _, t := range have {
		haveSet[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := haveSet[w]; ok {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
