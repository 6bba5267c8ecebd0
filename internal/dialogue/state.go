package dialogue

import (
	"fmt"
	"sync"
)

// SequenceError reports a commit whose index does not match the append
// position. It indicates a programming defect (out-of-order or duplicate
// commit) and is always fatal to the run.
type SequenceError struct {
	// Got is the index carried by the rejected turn.
	Got int

	// Want is the index the log expected (its current length).
	Want int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("dialogue: turn index %d does not match append position %d", e.Got, e.Want)
}

// State is the ordered, append-only record of turns for a single run: the
// single source of truth for what has been said. It is mutated only by the
// orchestrator; everyone else sees read-only [Snapshot] copies.
//
// All methods are safe for concurrent use, although a run commits strictly
// sequentially. Concurrent runs must use independent State instances.
type State struct {
	mu         sync.RWMutex
	roster     []Character
	rosterIdx  map[string]int
	rounds     int
	discussion Discussion
	turns      []Turn
}

// NewState creates an empty conversation log for the given roster and round
// target. The roster slice is copied; later mutation of the argument does not
// affect the state.
func NewState(roster []Character, rounds int, discussion Discussion) *State {
	rcopy := make([]Character, len(roster))
	copy(rcopy, roster)

	idx := make(map[string]int, len(rcopy))
	for i, c := range rcopy {
		idx[c.Name] = i
	}

	return &State{
		roster:     rcopy,
		rosterIdx:  idx,
		rounds:     rounds,
		discussion: discussion,
	}
}

// Commit appends turn to the log after checking the append invariants:
//
//   - turn.Index must equal the current log length (strict monotonic append);
//   - turn.Character must be in the roster;
//   - the log must not exceed rounds × roster size.
//
// A violated index invariant returns a [*SequenceError]; the other violations
// return plain errors. The turn is not appended on any failure.
func (s *State) Commit(turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.Index != len(s.turns) {
		return &SequenceError{Got: turn.Index, Want: len(s.turns)}
	}
	if _, ok := s.rosterIdx[turn.Character]; !ok {
		return fmt.Errorf("dialogue: turn %d references unknown character %q", turn.Index, turn.Character)
	}
	if capacity := s.rounds * len(s.roster); len(s.turns) >= capacity {
		return fmt.Errorf("dialogue: turn %d exceeds capacity of %d rounds × %d characters", turn.Index, s.rounds, len(s.roster))
	}

	s.turns = append(s.turns, turn)
	return nil
}

// Len returns the number of committed turns.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Complete reports whether the log has reached its round target.
func (s *State) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns) == s.rounds*len(s.roster)
}

// Roster returns a copy of the character roster in speaking order.
func (s *State) Roster() []Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Character, len(s.roster))
	copy(out, s.roster)
	return out
}

// Rounds returns the configured round target.
func (s *State) Rounds() int {
	return s.rounds
}

// Snapshot returns a read-only copy of the conversation. The returned value
// shares no mutable storage with the live state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roster := make([]Character, len(s.roster))
	copy(roster, s.roster)
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)

	return Snapshot{
		Roster:     roster,
		Rounds:     s.rounds,
		Discussion: s.discussion,
		Turns:      turns,
	}
}
