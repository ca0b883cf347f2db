// Package framer reassembles terminal output that a TCP stream may have split
// at arbitrary byte boundaries.
//
// Two classes of control sequences are never split across emissions:
//
//   - Synchronized-update frames (DEC private mode 2026). Everything from
//     [SyncStart] through the matching [SyncEnd] is emitted as one string once
//     both markers have arrived.
//   - Cursor Position Reports (ESC [ row ; col R, sometimes without the ESC).
//     These are terminal-to-application replies and are stripped entirely,
//     even when a report straddles two chunks.
//
// Text outside frames is passed through as soon as it is known not to be the
// beginning of a marker or a report. A Framer never returns an error: data it
// cannot classify is eventually emitted as plain text by [Framer.Flush] or
// [Framer.ReleasePending].
package framer

import (
	"regexp"
	"strings"
)

const (
	// SyncStart opens a synchronized-update frame.
	SyncStart = "\x1b[?2026h"
	// SyncEnd closes a synchronized-update frame.
	SyncEnd = "\x1b[?2026l"

	// maxHold bounds how many trailing bytes may be held back while waiting
	// for a report or marker to complete.
	maxHold = 32
)

var (
	cprPattern     = regexp.MustCompile(`\x1b?\[[0-9]+;[0-9]+R`)
	partialPattern = regexp.MustCompile(`^(\x1b|\x1b?\[[0-9]*(;[0-9]*)?)$`)
)

// state is the per-session buffering state. buf holds either an open frame
// (starting with SyncStart) when inFrame is set, or a held-back text suffix
// that might still grow into a report or a frame marker.
type state struct {
	buf     string
	inFrame bool
	// scanned is the length of buf already searched for SyncEnd.
	scanned int
}

// Framer is the framing state machine for a single terminal stream.
// A Framer is not safe for concurrent use.
type Framer struct {
	st       state
	frames   uint64
	stripped uint64
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Push consumes one chunk and returns the chunks that are safe to emit, in
// input order. Frames are returned as their own elements, never merged with
// surrounding text.
func (f *Framer) Push(chunk string) []string {
	data := f.st.buf + chunk
	scanned := f.st.scanned
	f.st.buf = ""
	f.st.scanned = 0

	var out []string
	for len(data) > 0 {
		if f.st.inFrame {
			from := len(SyncStart)
			if s := scanned - len(SyncEnd) + 1; s > from {
				from = s
			}
			end := strings.Index(data[from:], SyncEnd)
			if end < 0 {
				f.st.buf = data
				f.st.scanned = len(data)
				return out
			}
			cut := from + end + len(SyncEnd)
			out = append(out, f.strip(data[:cut]))
			f.frames++
			f.st.inFrame = false
			data = data[cut:]
			scanned = 0
			continue
		}

		if start := strings.Index(data, SyncStart); start >= 0 {
			if start > 0 {
				if text := f.strip(data[:start]); text != "" {
					out = append(out, text)
				}
			}
			f.st.inFrame = true
			data = data[start:]
			scanned = 0
			continue
		}

		text := f.strip(data)
		hold := holdLen(text)
		if emit := text[:len(text)-hold]; emit != "" {
			out = append(out, emit)
		}
		f.st.buf = text[len(text)-hold:]
		return out
	}
	return out
}

// Flush returns everything still buffered, as-is, and resets the Framer.
// It is called on session teardown, where an unterminated frame is still
// better shown than dropped.
func (f *Framer) Flush() string {
	out := f.st.buf
	f.st = state{}
	return out
}

// ReleasePending returns a held-back text suffix as plain text. It returns
// "" while a frame is open: an open frame is only ever emitted whole or by
// Flush.
func (f *Framer) ReleasePending() string {
	if f.st.inFrame {
		return ""
	}
	out := f.st.buf
	f.st.buf = ""
	return out
}

// Pending reports whether any bytes are buffered.
func (f *Framer) Pending() bool {
	return f.st.buf != ""
}

// InFrame reports whether a synchronized-update frame is open.
func (f *Framer) InFrame() bool {
	return f.st.inFrame
}

// TrimPartialFrame drops the head of b up to and including a SyncEnd that
// has no SyncStart before it, which is what remains of a frame whose start
// was cut off, for example by a history buffer dropping its oldest bytes.
// A leading tail of a cut SyncEnd marker is dropped too. Otherwise b is
// returned unchanged.
func TrimPartialFrame(b []byte) []byte {
	s := string(b)
	for i := 1; len(SyncEnd)-i >= 3; i++ {
		if strings.HasPrefix(s, SyncEnd[i:]) {
			return b[len(SyncEnd)-i:]
		}
	}
	end := strings.Index(s, SyncEnd)
	if end < 0 {
		return b
	}
	if start := strings.Index(s, SyncStart); start >= 0 && start < end {
		return b
	}
	return b[end+len(SyncEnd):]
}

// Frames returns the number of complete frames emitted so far.
func (f *Framer) Frames() uint64 {
	return f.frames
}

// Stripped returns the number of cursor position reports removed so far.
func (f *Framer) Stripped() uint64 {
	return f.stripped
}

// strip removes complete cursor position reports. Removal can join the two
// halves of a new report ("[1[2;3R;4R"), so it repeats until stable.
func (f *Framer) strip(s string) string {
	for {
		locs := cprPattern.FindAllStringIndex(s, -1)
		if len(locs) == 0 {
			return s
		}
		f.stripped += uint64(len(locs))
		s = cprPattern.ReplaceAllString(s, "")
	}
}

// holdLen returns the length of the longest suffix of s that could still
// complete into a cursor position report or a frame-start marker.
func holdLen(s string) int {
	limit := len(s)
	if limit > maxHold {
		limit = maxHold
	}
	for k := limit; k > 0; k-- {
		suffix := s[len(s)-k:]
		if partialPattern.MatchString(suffix) {
			return k
		}
		if len(suffix) < len(SyncStart) && strings.HasPrefix(SyncStart, suffix) {
			return k
		}
	}
	return 0
}
