package engine

import (
	"bytes"
	"sort"
)

// AnchorKind tags a Selection as either pinned to the bottom (follow mode)
// or anchored to a specific line.
type AnchorKind uint8

const (
	// AnchorBottom is the zero value: a fresh Selection defaults to follow
	// mode, matching spec §3's Selection semantics.
	AnchorBottom AnchorKind = iota
	AnchorLine
)

// Selection is the stable-selection model for one process's view: either
// pinned to the bottom (follow mode) or anchored to a specific seq that
// remains visible across appends and clamps to the oldest surviving line on
// eviction (spec §4.7).
type Selection struct {
	Anchor       AnchorKind
	Seq          uint64
	ScrollOffset int
}

// SetBottom pins the selection to follow mode (End/'f', spec §4.7).
func (s *Selection) SetBottom() {
	s.Anchor = AnchorBottom
	s.Seq = 0
	s.ScrollOffset = 0
}

// SetLine anchors the selection to a specific seq (any upward scroll, spec
// §4.7).
func (s *Selection) SetLine(seq uint64) {
	s.Anchor = AnchorLine
	s.Seq = seq
}

// IsFollowing reports whether the selection is in follow mode.
func (s *Selection) IsFollowing() bool { return s.Anchor == AnchorBottom }

// SearchState tracks the active query and, per process, the ordered list of
// matching seqs (spec §3, §4.7/§C7). Matches are appended incrementally as
// lines arrive rather than recomputed from scratch.
type SearchState struct {
	Query         string
	CaseSensitive bool
	Active        bool
	Cursor        *MatchCursor

	matches map[ProcessID][]uint64 // seq values, ascending, per process
}

// MatchCursor names the process and match index the user is currently
// parked on, advanced by 'n'/'N'.
type MatchCursor struct {
	ProcessID ProcessID
	Index     int
}

// SetQuery installs a new query and rebuilds the match index from scratch
// over every process's currently-retained lines. Matching is a literal
// substring, case-insensitive unless CaseSensitive is set (spec §4.7).
func (s *SearchState) SetQuery(query string, caseSensitive bool, store *Store) {
	s.Query = query
	s.CaseSensitive = caseSensitive
	s.Active = query != ""
	s.Cursor = nil
	s.matches = make(map[ProcessID][]uint64)
	if !s.Active {
		return
	}
	for pid := ProcessID(0); int(pid) < len(store.buffers); pid++ {
		buf := store.buffers[pid]
		buf.Lines(0, buf.Len(), func(l LogLine) bool {
			if s.lineMatches(l.Raw) {
				s.matches[pid] = append(s.matches[pid], l.Seq)
			}
			return true
		})
	}
}

// Clear turns search off.
func (s *SearchState) Clear() {
	s.Query = ""
	s.Active = false
	s.Cursor = nil
	s.matches = nil
}

func (s *SearchState) lineMatches(raw []byte) bool {
	if s.Query == "" {
		return false
	}
	if s.CaseSensitive {
		return bytes.Contains(raw, []byte(s.Query))
	}
	return bytes.Contains(bytes.ToLower(raw), bytes.ToLower([]byte(s.Query)))
}

// OnAppend incrementally extends the match index for one newly-accepted
// line, O(1) amortized per append (spec §4.7). Call once per accepted
// line, not once per chunk — a single chunk may split into several lines.
func (s *SearchState) OnAppend(pid ProcessID, line LogLine) {
	if !s.Active {
		return
	}
	if s.lineMatches(line.Raw) {
		s.matches[pid] = append(s.matches[pid], line.Seq)
	}
}

// Matches returns the ascending seq list of matches for pid.
func (s *SearchState) Matches(pid ProcessID) []uint64 { return s.matches[pid] }

// Next advances the cursor to the next match in pid's buffer (starting at
// the first match when the cursor is unset or on another process, and
// wrapping to the first match if none remain), returning the matched seq
// and whether any match exists at all (spec concrete scenario 6).
func (s *SearchState) Next(pid ProcessID) (uint64, bool) {
	ms := s.matches[pid]
	if len(ms) == 0 {
		return 0, false
	}
	if s.Cursor == nil || s.Cursor.ProcessID != pid {
		s.Cursor = &MatchCursor{ProcessID: pid, Index: 0}
		return ms[0], true
	}
	next := s.Cursor.Index + 1
	if next >= len(ms) {
		next = 0
	}
	s.Cursor.Index = next
	return ms[next], true
}

// Previous is Next's mirror, wrapping to the last match.
func (s *SearchState) Previous(pid ProcessID) (uint64, bool) {
	ms := s.matches[pid]
	if len(ms) == 0 {
		return 0, false
	}
	if s.Cursor == nil || s.Cursor.ProcessID != pid {
		s.Cursor = &MatchCursor{ProcessID: pid, Index: len(ms) - 1}
		return ms[len(ms)-1], true
	}
	prev := s.Cursor.Index - 1
	if prev < 0 {
		prev = len(ms) - 1
	}
	s.Cursor.Index = prev
	return ms[prev], true
}

// ClampProcess drops pid's match seqs that have been evicted from buf,
// keeping the index consistent with what OutputBuffer can still resolve.
// Called after every append, since eviction only ever removes from the
// front and the match list is already seq-ascending.
func (s *SearchState) ClampProcess(pid ProcessID, buf *OutputBuffer) {
	ms := s.matches[pid]
	if len(ms) == 0 {
		return
	}
	oldest, ok := buf.OldestSeq()
	if !ok {
		s.matches[pid] = ms[:0]
		return
	}
	i := sort.Search(len(ms), func(i int) bool { return ms[i] >= oldest })
	s.matches[pid] = ms[i:]
}
