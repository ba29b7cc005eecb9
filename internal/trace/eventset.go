package trace

// EventSet aggregates the spans emitted while building one node, plus
// references to the EventSets of whichever deps it absorbed (spec §9.5
// "events nested set", §4.D "listener"). A diamond-shaped graph means the
// same child EventSet can be absorbed by many parents; Replay walks the
// nested set once and dedupes by EventSet identity so a shared subtree's
// events are never emitted twice.
type EventSet struct {
	own      []*PendingEvent
	children []*EventSet
}

// NewEventSet returns an empty event set.
func NewEventSet() *EventSet {
	return &EventSet{}
}

// Record appends an event owned directly by this node.
func (s *EventSet) Record(ev *PendingEvent) {
	s.own = append(s.own, ev)
}

// Absorb links child's events into s's nested set, by reference — child's
// events are not copied, so replaying s also replays child exactly once
// even if several parents absorb the same child.
func (s *EventSet) Absorb(child *EventSet) {
	if child == nil || child == s {
		return
	}
	s.children = append(s.children, child)
}

// Replay flushes every event reachable from s, deduplicated by EventSet
// identity, closing each PendingEvent exactly once.
func (s *EventSet) Replay() {
	s.replay(make(map[*EventSet]struct{}))
}

func (s *EventSet) replay(seen map[*EventSet]struct{}) {
	if s == nil {
		return
	}
	if _, ok := seen[s]; ok {
		return
	}
	seen[s] = struct{}{}
	for _, ev := range s.own {
		ev.write()
	}
	for _, c := range s.children {
		c.replay(seen)
	}
}

// ReplayAll replays every set in sets exactly once, sharing one dedup visitor
// across all of them — the form the result assembler uses so that roots
// requested together in the same Eval call never re-emit a shared subtree's
// events (spec §4.G).
func ReplayAll(sets ...*EventSet) {
	seen := make(map[*EventSet]struct{})
	for _, s := range sets {
		s.replay(seen)
	}
}
