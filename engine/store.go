package engine

import "time"

// maxLineBytes caps a single accepted line; longer input is split into
// multiple capped lines, each cut piece except the last carrying a
// truncation marker (spec §4.1, concrete scenario 5).
const maxLineBytes = 1 << 20 // 1 MiB

// truncationMarker is appended to a line that was cut at maxLineBytes.
const truncationMarker = " …[truncated]"

// OutputBuffer is a bounded per-process ring of LogLine. Its shape mirrors
// edirooss-zmux-server's logBuffer (processmgr/log_buffer.go): a fixed-size
// backing array with head/size/full bookkeeping for O(1) append and O(1)
// amortized read of a contiguous window. Unlike that implementation,
// OutputBuffer carries no mutex: the event loop is its only writer and only
// reader (spec §9, "the channel is the synchronization primitive").
type OutputBuffer struct {
	lines []LogLine
	head  int
	size  int
	full  bool

	nextSeq      uint64
	DroppedCount uint64

	carry []byte // partial trailing line held until the next chunk or EOF
}

// NewOutputBuffer allocates a ring with the given capacity. A non-positive
// capacity falls back to the spec's default of 10000.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &OutputBuffer{lines: make([]LogLine, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *OutputBuffer) Cap() int { return len(b.lines) }

// Len returns the number of lines currently stored (<= Cap()).
func (b *OutputBuffer) Len() int { return b.size }

// OldestSeq returns the seq of the oldest surviving line, and whether the
// buffer holds any lines at all. Used to clamp a Selection anchor after
// eviction (spec §4.7).
func (b *OutputBuffer) OldestSeq() (uint64, bool) {
	if b.size == 0 {
		return 0, false
	}
	oldestIdx := b.oldestIndex()
	return b.lines[oldestIdx].Seq, true
}

func (b *OutputBuffer) oldestIndex() int {
	if b.full {
		return b.head
	}
	return 0
}

func (b *OutputBuffer) newestIndex() int {
	cap := len(b.lines)
	return (b.head - 1 + cap) % cap
}

// push appends one already-split line, evicting the oldest on overflow.
func (b *OutputBuffer) push(line LogLine) {
	cap := len(b.lines)
	b.lines[b.head] = line
	b.head = (b.head + 1) % cap
	if b.full {
		b.DroppedCount++
		return
	}
	b.size++
	if b.size == cap {
		b.full = true
	}
}

// At returns the line at logical position i (0 = oldest, Len()-1 = newest).
// The second return is false if i is out of range.
func (b *OutputBuffer) At(i int) (LogLine, bool) {
	if i < 0 || i >= b.size {
		return LogLine{}, false
	}
	cap := len(b.lines)
	idx := (b.oldestIndex() + i) % cap
	return b.lines[idx], true
}

// Lines returns a lazy view over [from, to) in logical (oldest-first)
// coordinates, calling yield for each line in order. It never materializes a
// full copy of the buffer (spec §4.1).
func (b *OutputBuffer) Lines(from, to int, yield func(LogLine) bool) {
	if from < 0 {
		from = 0
	}
	if to > b.size {
		to = b.size
	}
	for i := from; i < to; i++ {
		line, ok := b.At(i)
		if !ok {
			return
		}
		if !yield(line) {
			return
		}
	}
}

// FindBySeq returns the logical index of the line with the given seq, or
// -1 if it is not currently present (either not yet emitted, or evicted).
func (b *OutputBuffer) FindBySeq(seq uint64) int {
	if b.size == 0 {
		return -1
	}
	oldest, ok := b.OldestSeq()
	if !ok || seq < oldest {
		return -1
	}
	newest := b.lines[b.newestIndex()].Seq
	if seq > newest {
		return -1
	}
	return int(seq - oldest)
}

// Store owns every process's OutputBuffer plus the cross-process
// TimelineIndex. It is exclusively owned and mutated by the event loop.
type Store struct {
	buffers  []*OutputBuffer
	timeline []TimelineEntry
	tHead    int
	tSize    int
	tFull    bool
}

// NewStore allocates a Store for n processes. perProcessCap sizes each
// OutputBuffer; timelineCap sizes the shared TimelineIndex, and a
// non-positive timelineCap defaults to perProcessCap × n. No upper bound is
// applied to either the given or the derived timeline size.
func NewStore(n, perProcessCap, timelineCap int) *Store {
	if timelineCap <= 0 {
		timelineCap = perProcessCap * n
		if timelineCap <= 0 {
			timelineCap = 1
		}
	}
	s := &Store{
		buffers:  make([]*OutputBuffer, n),
		timeline: make([]TimelineEntry, timelineCap),
	}
	for i := range s.buffers {
		s.buffers[i] = NewOutputBuffer(perProcessCap)
	}
	return s
}

// Buffer returns the OutputBuffer for pid.
func (s *Store) Buffer(pid ProcessID) *OutputBuffer {
	return s.buffers[pid]
}

// Append splits bytes on '\n', using the buffer's carry-over for a partial
// trailing line, and accepts each complete line into the process's
// OutputBuffer and the shared TimelineIndex. clock supplies monotonic and
// wall-clock timestamps for the accepted lines (see Clock below).
func (s *Store) Append(pid ProcessID, stream Stream, chunk []byte, clock Clock) {
	buf := s.buffers[pid]
	data := append(buf.carry, chunk...)
	buf.carry = nil

	start := 0
	for i, c := range data {
		if c != '\n' {
			continue
		}
		s.acceptLine(pid, buf, stream, data[start:i], clock)
		start = i + 1
	}
	if start < len(data) {
		// Partial trailing line: hold it until more data or Flush arrives.
		buf.carry = append(buf.carry[:0], data[start:]...)
	}
}

// Flush emits any carried partial line as a complete line, used when a
// stream closes without a trailing newline (spec §4.1's carry-over policy).
func (s *Store) Flush(pid ProcessID, stream Stream, clock Clock) {
	buf := s.buffers[pid]
	if len(buf.carry) == 0 {
		return
	}
	rest := buf.carry
	buf.carry = nil
	s.acceptLine(pid, buf, stream, rest, clock)
}

func (s *Store) acceptLine(pid ProcessID, buf *OutputBuffer, stream Stream, raw []byte, clock Clock) {
	raw = trimCR(raw)
	for len(raw) > 0 {
		chunk := raw
		truncated := false
		if len(chunk) > maxLineBytes {
			chunk = chunk[:maxLineBytes]
			truncated = true
		}
		line := LogLine{
			Seq:         buf.nextSeq,
			ProcessID:   pid,
			Stream:      stream,
			MonotonicNS: clock.MonotonicNS(),
			WallTS:      clock.WallNow(),
			Raw:         append([]byte(nil), chunk...),
		}
		if truncated {
			line.Raw = append(line.Raw, []byte(truncationMarker)...)
		}
		buf.nextSeq++
		buf.push(line)
		s.pushTimeline(TimelineEntry{ProcessID: pid, Seq: line.Seq})

		if !truncated {
			return
		}
		raw = raw[maxLineBytes:]
	}
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func (s *Store) pushTimeline(e TimelineEntry) {
	cap := len(s.timeline)
	s.timeline[s.tHead] = e
	s.tHead = (s.tHead + 1) % cap
	if s.tFull {
		return
	}
	s.tSize++
	if s.tSize == cap {
		s.tFull = true
	}
}

// Timeline yields TimelineEntry values in arrival order over the logical
// range [from, to), dereferencing into the per-process buffers to produce
// LogLines. Entries whose line has since been evicted from its process
// buffer are skipped.
func (s *Store) Timeline(from, to int, yield func(LogLine) bool) {
	if from < 0 {
		from = 0
	}
	if to > s.tSize {
		to = s.tSize
	}
	oldest := 0
	if s.tFull {
		oldest = s.tHead
	}
	cap := len(s.timeline)
	for i := from; i < to; i++ {
		entry := s.timeline[(oldest+i)%cap]
		idx := s.buffers[entry.ProcessID].FindBySeq(entry.Seq)
		if idx < 0 {
			continue
		}
		line, ok := s.buffers[entry.ProcessID].At(idx)
		if !ok {
			continue
		}
		if !yield(line) {
			return
		}
	}
}

// TimelineLen reports how many entries are currently retained.
func (s *Store) TimelineLen() int { return s.tSize }

// Clock abstracts time sources so tests can control monotonic/wall time
// deterministically without sleeping (grounded on the teacher's preference
// for dependency-injected collaborators, e.g. engine.CommandFactory).
type Clock interface {
	MonotonicNS() int64
	WallNow() time.Time
}

// SystemClock is the production Clock backed by the runtime's monotonic and
// wall clocks.
type SystemClock struct{ start time.Time }

// NewSystemClock returns a Clock whose MonotonicNS is relative to its own
// construction time.
func NewSystemClock() *SystemClock { return &SystemClock{start: time.Now()} }

func (c *SystemClock) MonotonicNS() int64 { return time.Since(c.start).Nanoseconds() }
func (c *SystemClock) WallNow() time.Time { return time.Now() }
