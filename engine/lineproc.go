package engine

import (
	"bytes"
	"encoding/json"

	"github.com/charmbracelet/x/ansi"
)

// RenderOptions selects the read-time transforms applied to a stored line.
// Storage itself never changes (spec §4.2): toggling these fields changes
// only what Render produces for the same LogLine.
type RenderOptions struct {
	StripANSI  bool
	PrettyJSON bool
}

// Render applies cursor-movement collapsing, optional JSON pretty-printing,
// and optional ANSI stripping to a raw stored line, in that order. Cursor
// movement is always collapsed first since it determines what the "final"
// single-line content is before any other transform inspects it.
func Render(raw []byte, opt RenderOptions) string {
	collapsed := collapseCursorMovement(raw)

	if opt.PrettyJSON {
		if pretty, ok := prettyJSON(collapsed); ok {
			collapsed = pretty
		}
	}

	if opt.StripANSI {
		return ansi.Strip(string(collapsed))
	}
	return string(collapsed)
}

// collapseCursorMovement applies "replace current line" semantics for
// carriage returns and the "erase in line" SGR-adjacent sequence ESC[2K,
// matching terminal overwrite behavior for progress bars and spinners
// (spec §4.2). It never crosses the line boundary it is given; the caller
// is responsible for having already split on '\n'.
func collapseCursorMovement(raw []byte) []byte {
	var visible []byte // the current, possibly-overwritten visible content
	col := 0

	i := 0
	for i < len(raw) {
		b := raw[i]
		switch {
		case b == '\r':
			col = 0
			i++
		case b == 0x1b && i+3 < len(raw) && raw[i+1] == '[' && raw[i+2] == '2' && raw[i+3] == 'K':
			visible = visible[:0]
			col = 0
			i += 4
		case b == 0x1b:
			// Pass other escape sequences through untouched (they are
			// interpreted later, either rendered as styled runs or
			// stripped by ansi.Strip).
			end := i + 1
			if end < len(raw) && raw[end] == '[' {
				end++
				for end < len(raw) && !isANSIFinal(raw[end]) {
					end++
				}
				if end < len(raw) {
					end++
				}
			}
			visible = overwriteAt(visible, col, raw[i:end])
			col += end - i
			i = end
		default:
			visible = overwriteAt(visible, col, raw[i:i+1])
			col++
			i++
		}
	}
	return visible
}

func isANSIFinal(b byte) bool { return b >= 0x40 && b <= 0x7e }

// overwriteAt writes seq into dst starting at byte offset col, extending dst
// if necessary, and returns the (possibly reallocated) slice. Escape
// sequences are inserted verbatim at col instead of overwriting the bytes
// there; the caller then moves col past the inserted bytes, so the text that
// follows is written after the sequence.
func overwriteAt(dst []byte, col int, seq []byte) []byte {
	if seq[0] == 0x1b {
		if col > len(dst) {
			dst = append(dst, bytes.Repeat([]byte{' '}, col-len(dst))...)
		}
		head := append([]byte(nil), dst[:col]...)
		head = append(head, seq...)
		head = append(head, dst[col:]...)
		return head
	}
	if col < len(dst) {
		dst[col] = seq[0]
		return dst
	}
	if col > len(dst) {
		dst = append(dst, bytes.Repeat([]byte{' '}, col-len(dst))...)
	}
	return append(dst, seq[0])
}

// prettyJSON reports whether raw parses as a JSON object and, if so, returns
// its indented form. Any other shape (array, scalar, malformed) falls back
// silently to the raw line per spec §4.2's "parse failures are silent".
func prettyJSON(raw []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var v map[string]any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
